package models

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmdatafocus/tms_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestGrossAmount(t *testing.T) {
	cases := []struct {
		net, vat, expected string
	}{
		{"100", "21", "121"},
		{"99.99", "21", "120.99"},
		{"10.005", "0", "10.01"},
		{"0", "21", "0"},
		{"33.33", "9", "36.33"},
	}
	for _, tc := range cases {
		got := GrossAmount(dec(tc.net), dec(tc.vat))
		if !got.Equal(dec(tc.expected)) {
			t.Fatalf("GrossAmount(%s, %s) expected %s, got %s", tc.net, tc.vat, tc.expected, got)
		}
	}
}

func TestComputePaymentState(t *testing.T) {
	today := day("2024-09-10")
	cases := []struct {
		name     string
		total    string
		due      string
		payments []PaymentLine
		status   PaymentStatus
		overdue  int
		paidOn   string
	}{
		{name: "not due yet", total: "121", due: "2024-09-20", status: PaymentStatusUnpaid},
		{name: "due today is not overdue", total: "121", due: "2024-09-10", status: PaymentStatusUnpaid},
		{name: "past due", total: "121", due: "2024-09-01", status: PaymentStatusOverdue, overdue: 9},
		{
			name: "partial past due keeps counting", total: "121", due: "2024-09-07",
			payments: []PaymentLine{{Amount: dec("21"), PaymentDate: day("2024-09-05")}},
			status:   PaymentStatusPartiallyPaid, overdue: 3,
		},
		{
			name: "paid takes latest payment date", total: "121", due: "2024-09-01",
			payments: []PaymentLine{
				{Amount: dec("100"), PaymentDate: day("2024-09-08")},
				{Amount: dec("21"), PaymentDate: day("2024-08-30")},
			},
			status: PaymentStatusPaid, paidOn: "2024-09-08",
		},
		{
			name: "overpaid is paid", total: "121", due: "2024-09-20",
			payments: []PaymentLine{{Amount: dec("200"), PaymentDate: day("2024-09-09")}},
			status:   PaymentStatusPaid, paidOn: "2024-09-09",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := ComputePaymentState(dec(tc.total), day(tc.due), tc.payments, today)
			assert.Equal(t, tc.status, st.Status)
			assert.Equal(t, tc.overdue, st.OverdueDays)
			if tc.paidOn == "" {
				assert.Nil(t, st.PaymentDate)
			} else {
				require.NotNil(t, st.PaymentDate)
				assert.Equal(t, day(tc.paidOn), *st.PaymentDate)
			}
		})
	}
}

func TestComputePaymentState_Idempotent(t *testing.T) {
	payments := []PaymentLine{{Amount: dec("50"), PaymentDate: day("2024-09-01")}}
	a := ComputePaymentState(dec("121"), day("2024-08-01"), payments, day("2024-09-10"))
	b := ComputePaymentState(dec("121"), day("2024-08-01"), payments, day("2024-09-10"))
	assert.True(t, a.Equal(b))
}

func TestAggregateOrderPaymentStatus(t *testing.T) {
	cases := []struct {
		in       []PaymentStatus
		expected PaymentStatus
	}{
		{nil, PaymentStatusUnpaid},
		{[]PaymentStatus{PaymentStatusPaid, PaymentStatusPaid}, PaymentStatusPaid},
		{[]PaymentStatus{PaymentStatusPaid, PaymentStatusUnpaid}, PaymentStatusPartiallyPaid},
		{[]PaymentStatus{PaymentStatusPaid, PaymentStatusOverdue}, PaymentStatusOverdue},
		{[]PaymentStatus{PaymentStatusUnpaid, PaymentStatusUnpaid}, PaymentStatusUnpaid},
		{[]PaymentStatus{PaymentStatusPartiallyPaid}, PaymentStatusPartiallyPaid},
	}
	for _, tc := range cases {
		if got := AggregateOrderPaymentStatus(tc.in); got != tc.expected {
			t.Fatalf("%v expected %s, got %s", tc.in, tc.expected, got)
		}
	}
}

func TestIsThrottled(t *testing.T) {
	now := time.Date(2024, 9, 10, 9, 0, 0, 0, time.UTC)
	yesterday := now.AddDate(0, 0, -1)
	weekAgo := now.AddDate(0, 0, -7)

	assert.False(t, IsThrottled(nil, 7, now), "never sent")
	assert.True(t, IsThrottled(&yesterday, 7, now))
	assert.False(t, IsThrottled(&weekAgo, 7, now), "interval elapsed exactly")
	assert.False(t, IsThrottled(&yesterday, 0, now), "no interval")
}

func TestThrottleTypes(t *testing.T) {
	chase := []ReminderType{ReminderTypeUnpaid, ReminderTypeOverdue}
	assert.Equal(t, chase, ThrottleTypes(ReminderTypeUnpaid))
	assert.Equal(t, chase, ThrottleTypes(ReminderTypeOverdue))
	assert.Equal(t, []ReminderType{ReminderTypeDueSoon}, ThrottleTypes(ReminderTypeDueSoon))
}

func TestStatusRuleCache_ClearWinsOverInFlightReload(t *testing.T) {
	ClearStatusRuleCache()
	t.Cleanup(ClearStatusRuleCache)
	key := ruleKey{EntityTypeOrder, "new"}

	// a reload reads the old rows, then a committed save clears the cache
	gen := ruleCache.generation()
	ClearStatusRuleCache()
	assert.False(t, ruleCache.store(gen, map[ruleKey][]string{key: {"assigned"}}))
	_, _, loaded := ruleCache.lookup(key)
	assert.False(t, loaded, "snapshot taken before the clear must not be cached")

	gen = ruleCache.generation()
	require.True(t, ruleCache.store(gen, map[ruleKey][]string{key: {"assigned", "canceled"}}))
	v, ok, loaded := ruleCache.lookup(key)
	require.True(t, loaded && ok)
	assert.Equal(t, []string{"assigned", "canceled"}, v)
}

func TestStatusRuleCache_Expires(t *testing.T) {
	ClearStatusRuleCache()
	now := time.Date(2024, 9, 10, 9, 0, 0, 0, time.UTC)
	ruleCacheNow = func() time.Time { return now }
	t.Cleanup(func() {
		ruleCacheNow = time.Now
		ClearStatusRuleCache()
	})
	key := ruleKey{EntityTypeOrder, "new"}
	require.True(t, ruleCache.store(ruleCache.generation(), map[ruleKey][]string{key: {"assigned"}}))

	now = now.Add(ruleCacheTTL - time.Second)
	_, _, loaded := ruleCache.lookup(key)
	assert.True(t, loaded)

	now = now.Add(2 * time.Second)
	_, _, loaded = ruleCache.lookup(key)
	assert.False(t, loaded)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, "LOG", escapeLike("LOG"))
	assert.Equal(t, "T!_X", escapeLike("T_X"))
	assert.Equal(t, "50!%", escapeLike("50%"))
	assert.Equal(t, "A!!B", escapeLike("A!B"))
}

func TestFormatAndParseNumber(t *testing.T) {
	assert.Equal(t, "LOG-0000042", FormatNumber("LOG", "-", 42, 7))
	assert.Equal(t, "E00007", FormatNumber("E", "", 7, 5))
	assert.Equal(t, "TRP123456", FormatNumber("TRP", "", 123456, 5), "width is a minimum")

	cases := []struct {
		value, prefix string
		ok            bool
		sep           string
		n             int64
		digits        int
	}{
		{"LOG-0000042", "LOG", true, "-", 42, 7},
		{"log0000042", "LOG", true, "", 42, 7},
		{"LOG / 17", "LOG", true, " / ", 17, 2},
		{"LOG-12A", "LOG", false, "", 0, 0},
		{"INV-0001", "LOG", false, "", 0, 0},
		{"LOG----1", "LOG", false, "", 0, 0},
		{"LOG-", "LOG", false, "", 0, 0},
	}
	for _, tc := range cases {
		fn, ok := ParseFormattedNumber(tc.value, tc.prefix)
		if ok != tc.ok {
			t.Fatalf("ParseFormattedNumber(%q) expected ok=%v", tc.value, tc.ok)
		}
		if !ok {
			continue
		}
		assert.Equal(t, tc.sep, fn.Separator, tc.value)
		assert.Equal(t, tc.n, fn.Number, tc.value)
		assert.Equal(t, tc.digits, fn.Digits, tc.value)
	}
}

func TestDefaultSeparator(t *testing.T) {
	assert.Equal(t, "-", DefaultSeparator(ScopeSales))
	assert.Equal(t, "", DefaultSeparator(ScopeExpedition))
	assert.Equal(t, "", DefaultSeparator(ScopeOrder))
}

func TestComputeGaps(t *testing.T) {
	gaps := computeGaps([]int64{7, 1, 2, 5, 10, 3}, 0)
	require.Len(t, gaps, 3)
	assert.Equal(t, GapRange{From: 4, To: 4}, gaps[0])
	assert.Equal(t, GapRange{From: 6, To: 6}, gaps[1])
	assert.Equal(t, GapRange{From: 8, To: 9}, gaps[2])
	assert.Equal(t, int64(2), gaps[2].Size())

	assert.Len(t, computeGaps([]int64{1, 3, 5, 7}, 2), 2, "capped")
	assert.Nil(t, computeGaps([]int64{4}, 0))
	assert.Empty(t, computeGaps([]int64{1, 2, 3}, 0))
}

func TestNumberFormat(t *testing.T) {
	s := DefaultNotificationSettings()
	prefix, width, err := s.NumberFormat(ScopeSales)
	require.NoError(t, err)
	assert.Equal(t, "LOG", prefix)
	assert.Equal(t, 7, width)

	_, _, err = s.NumberFormat("bogus")
	assert.Equal(t, utils.KindValidation, utils.KindOf(err))
}

func TestPartnerCode(t *testing.T) {
	assert.Equal(t, "LT100001234567", NormalizePartnerCode(" lt-1000 0123 4567 "))

	cases := []struct {
		code  string
		valid bool
	}{
		{"302456789", true},
		{"1234568", true},
		{"LT100001234567", true},
		{"DE123456789", true},
		{"12345", false},
		{"1234567", false},
		{"0000000", false},
		{"7777777", false},
		{"UNKNOWN", false},
		{"12345678", false},
	}
	for _, tc := range cases {
		if got := IsValidPartnerCode(tc.code); got != tc.valid {
			t.Fatalf("IsValidPartnerCode(%q) expected %v, got %v", tc.code, tc.valid, got)
		}
	}

	assert.False(t, PartnerCodeErrors("302456789", ""))
	assert.False(t, PartnerCodeErrors("302456789", "LT100001234567"))
	assert.True(t, PartnerCodeErrors("302456789", "LT12"))
	assert.True(t, PartnerCodeErrors("nera", ""))
}

func TestAllCarriersInvoiced(t *testing.T) {
	assert.False(t, AllCarriersInvoiced(nil, []int{1}), "no partnered carriers")
	assert.True(t, AllCarriersInvoiced([]int{1, 2}, []int{2, 1, 3}))
	assert.False(t, AllCarriersInvoiced([]int{1, 2}, []int{1}))
}

func TestDefaultStatusRules(t *testing.T) {
	rules := map[string][]string{}
	for _, r := range DefaultStatusRules() {
		rules[string(r.EntityType)+":"+r.CurrentStatus] = r.AllowedNext()
	}
	assert.Equal(t, []string{"assigned", "canceled"}, rules["order:new"])
	assert.True(t, IsTransitionAllowed(rules["order:executing"], "finished"))
	assert.False(t, IsTransitionAllowed(rules["order:new"], "finished"))

	_, hasFinished := rules["order:finished"]
	_, hasCanceled := rules["order:canceled"]
	assert.False(t, hasFinished, "finished is terminal")
	assert.False(t, hasCanceled, "canceled is terminal")
}

func TestBuildActivityLog(t *testing.T) {
	ctx := utils.SetUserIdInContext(context.Background(), 9)
	ctx = utils.SetCorrelationIdInContext(ctx, "cid-1")
	req := httptest.NewRequest("POST", "/api/change-status", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
	req.Header.Set("User-Agent", "curl/8")

	row, err := buildActivityLog(ctx, LogEntry{
		ActionType: ActionOrderStatusChanged,
		EntityType: EntityTypeOrder,
		ObjectId:   12,
		Request:    req,
		Metadata: map[string]any{
			"amount": dec("12.50"),
			"at":     time.Date(2024, 9, 10, 8, 0, 0, 0, time.FixedZone("EEST", 3*3600)),
			"nested": map[string]any{"total": dec("1")},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, row.UserId)
	assert.Equal(t, 9, *row.UserId)
	require.NotNil(t, row.ObjectId)
	assert.Equal(t, 12, *row.ObjectId)
	assert.Equal(t, "198.51.100.4", row.IPAddress)
	assert.Equal(t, "curl/8", row.UserAgent)
	assert.Equal(t, "cid-1", row.CorrelationId)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(row.Metadata, &meta))
	assert.Equal(t, "12.5", meta["amount"])
	assert.Equal(t, "2024-09-10T05:00:00Z", meta["at"])
	assert.Equal(t, map[string]any{"total": "1"}, meta["nested"])

	_, err = buildActivityLog(ctx, LogEntry{})
	assert.Equal(t, utils.KindValidation, utils.KindOf(err))
}
