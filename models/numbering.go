package models

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/utils"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	ScopeSales      = "sales"
	ScopeExpedition = "expedition"
	ScopeOrder      = "order"
)

// maxSkips bounds how many already-taken numbers one allocation steps over.
const maxSkips = 1000

// Sequence is the counter row of one (scope, prefix). The separator is fixed when
// the row is first created.
type Sequence struct {
	ID         int       `gorm:"primary_key" json:"id"`
	Scope      string    `gorm:"size:30;not null;uniqueIndex:idx_sequence_scope_prefix,priority:1" json:"scope"`
	Prefix     string    `gorm:"size:20;not null;default:'';uniqueIndex:idx_sequence_scope_prefix,priority:2" json:"prefix"`
	Separator  string    `gorm:"size:5;not null;default:''" json:"separator"`
	LastNumber int64     `gorm:"not null;default:0" json:"last_number"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type numberSource struct {
	table  string
	column string
}

var numberSources = map[string]numberSource{
	ScopeSales:      {"sales_invoices", "invoice_number"},
	ScopeExpedition: {"order_carriers", "expedition_number"},
	ScopeOrder:      {"orders", "order_number"},
}

func scopeSource(scope string) (numberSource, error) {
	src, ok := numberSources[scope]
	if !ok {
		return numberSource{}, utils.ValidationError("unknown numbering scope %q", scope)
	}
	return src, nil
}

// DefaultSeparator applies to a scope with no history.
func DefaultSeparator(scope string) string {
	if scope == ScopeSales {
		return "-"
	}
	return ""
}

func FormatNumber(prefix, sep string, n int64, width int) string {
	return fmt.Sprintf("%s%s%0*d", prefix, sep, width, n)
}

// FormattedNumber is a stored number split into its parts.
type FormattedNumber struct {
	Prefix    string
	Separator string
	Number    int64
	Digits    int
}

// ParseFormattedNumber splits value as prefix, an optional short separator and a
// digit run. ok is false for anything else.
func ParseFormattedNumber(value, prefix string) (FormattedNumber, bool) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(strings.ToUpper(value), strings.ToUpper(prefix)) {
		return FormattedNumber{}, false
	}
	rest := value[len(prefix):]
	i := 0
	for i < len(rest) && strings.ContainsRune("-/_. ", rune(rest[i])) {
		i++
	}
	if i > 3 {
		return FormattedNumber{}, false
	}
	digits := rest[i:]
	if digits == "" {
		return FormattedNumber{}, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return FormattedNumber{}, false
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return FormattedNumber{}, false
	}
	return FormattedNumber{Prefix: value[:len(prefix)], Separator: rest[:i], Number: n, Digits: len(digits)}, true
}

// escapeLike makes the wildcards of s literal under ESCAPE '!', which reads the
// same with or without NO_BACKSLASH_ESCAPES.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func existingNumbers(db *gorm.DB, scope, prefix string) ([]FormattedNumber, error) {
	src, err := scopeSource(scope)
	if err != nil {
		return nil, err
	}
	var values []string
	if err := db.Table(src.table).
		Where(src.column+" LIKE ? ESCAPE '!'", escapeLike(prefix)+"%").
		Distinct().
		Pluck(src.column, &values).Error; err != nil {
		return nil, err
	}
	out := make([]FormattedNumber, 0, len(values))
	for _, v := range values {
		if fn, ok := ParseFormattedNumber(v, prefix); ok {
			out = append(out, fn)
		}
	}
	return out, nil
}

// ensureSequenceRow creates the counter from history when it is missing. It runs
// on its own connection so the insert does not take gap locks inside the caller's
// transaction.
func ensureSequenceRow(db *gorm.DB, scope, prefix string) error {
	var count int64
	if err := db.Model(&Sequence{}).Where("scope = ? AND prefix = ?", scope, prefix).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	nums, err := existingNumbers(db, scope, prefix)
	if err != nil {
		return err
	}
	row := Sequence{Scope: scope, Prefix: prefix, Separator: DefaultSeparator(scope)}
	for i, fn := range nums {
		if i == 0 || fn.Number > row.LastNumber {
			row.LastNumber = fn.Number
			row.Separator = fn.Separator
		}
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func NextNumber(ctx context.Context, scope, prefix string, width int) (string, error) {
	var out string
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = NextNumberTx(tx, scope, prefix, width)
		return err
	})
	return out, err
}

// NextNumberTx allocates under a row lock on the sequence; concurrent callers
// wait. Numbers already present in the source column are stepped over.
func NextNumberTx(tx *gorm.DB, scope, prefix string, width int) (string, error) {
	src, err := scopeSource(scope)
	if err != nil {
		return "", err
	}
	seedDB := config.GetDB()
	if seedDB == nil {
		seedDB = tx
	}
	if err := ensureSequenceRow(seedDB.WithContext(tx.Statement.Context), scope, prefix); err != nil {
		return "", err
	}

	var seq Sequence
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("scope = ? AND prefix = ?", scope, prefix).
		First(&seq).Error; err != nil {
		return "", utils.TranslateDBError(err, "sequence "+scope)
	}

	var formatted string
	for i := 0; ; i++ {
		if i >= maxSkips {
			return "", utils.Conflict("sequence %s/%s: no free number after %d attempts", scope, prefix, maxSkips)
		}
		seq.LastNumber++
		formatted = FormatNumber(seq.Prefix, seq.Separator, seq.LastNumber, width)
		var taken int64
		if err := tx.Table(src.table).Where(src.column+" = ?", formatted).Count(&taken).Error; err != nil {
			return "", err
		}
		if taken == 0 {
			break
		}
	}
	if err := tx.Model(&seq).UpdateColumn("last_number", seq.LastNumber).Error; err != nil {
		return "", err
	}
	return formatted, nil
}

type GapRange struct {
	From       int64  `json:"from"`
	To         int64  `json:"to"`
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
}

func (g GapRange) Size() int64 { return g.To - g.From + 1 }

// computeGaps returns the missing runs between the smallest and largest number,
// at most limit of them (limit <= 0 means all).
func computeGaps(nums []int64, limit int) []GapRange {
	if len(nums) < 2 {
		return nil
	}
	sorted := append([]int64(nil), nums...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var out []GapRange
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if cur > prev+1 {
			out = append(out, GapRange{From: prev + 1, To: cur - 1})
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// FindGaps reports numbers missing from the scope. Stored values narrower than
// width or not matching the format are ignored. Report only: skipped numbers are
// never handed out again.
func FindGaps(ctx context.Context, scope, prefix string, width, limit int) ([]GapRange, error) {
	db := config.GetDB()
	nums, err := existingNumbers(db.WithContext(ctx), scope, prefix)
	if err != nil {
		return nil, err
	}
	sep := DefaultSeparator(scope)
	var top int64
	values := make([]int64, 0, len(nums))
	for _, fn := range nums {
		if fn.Digits < width {
			continue
		}
		values = append(values, fn.Number)
		if fn.Number >= top {
			top = fn.Number
			sep = fn.Separator
		}
	}
	gaps := computeGaps(values, limit)
	for i := range gaps {
		gaps[i].FromNumber = FormatNumber(prefix, sep, gaps[i].From, width)
		gaps[i].ToNumber = FormatNumber(prefix, sep, gaps[i].To, width)
	}
	return gaps, nil
}

// WriteGapsXLSX renders a gap report as a single-sheet workbook.
func WriteGapsXLSX(w io.Writer, scope string, gaps []GapRange) error {
	f := excelize.NewFile()
	defer f.Close()
	sheet := "Sheet1"
	if scope != "" {
		sheet = scope
		if err := f.SetSheetName("Sheet1", sheet); err != nil {
			return err
		}
	}

	headers := []string{"From", "To", "Count"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}
	for i, g := range gaps {
		row := i + 2
		f.SetCellValue(sheet, "A"+fmt.Sprint(row), g.FromNumber)
		f.SetCellValue(sheet, "B"+fmt.Sprint(row), g.ToNumber)
		f.SetCellValue(sheet, "C"+fmt.Sprint(row), g.Size())
	}
	return f.Write(w)
}
