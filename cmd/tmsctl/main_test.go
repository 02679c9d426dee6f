package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/mmdatafocus/tms_backend/models"
	"github.com/mmdatafocus/tms_backend/utils"
	"github.com/mmdatafocus/tms_backend/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestCommands(t *testing.T) {
	app := newApp(&bytes.Buffer{})
	paths := map[string][]string{}
	for _, c := range app.Commands {
		var subs []string
		for _, s := range c.Subcommands {
			subs = append(subs, s.Name)
		}
		paths[c.Name] = subs
	}
	assert.Equal(t, []string{"run"}, paths["reminders"])
	assert.Equal(t, []string{"sync"}, paths["mail"])
	assert.Equal(t, []string{"update"}, paths["overdue"])
	assert.Equal(t, []string{"gaps"}, paths["numbering"])
	assert.Equal(t, []string{"dispatch", "stats", "replay"}, paths["outbox"])
	assert.Contains(t, paths, "replicate")
	assert.Contains(t, paths, "migrate")
}

func TestPolicyIsNotFailure(t *testing.T) {
	var out bytes.Buffer
	app := newApp(&out)
	c := cli.NewContext(app, nil, nil)

	require.NoError(t, policyIsNotFailure(c, utils.PolicyBlocked("SMTP is not configured")))
	assert.Contains(t, out.String(), "skipped: SMTP is not configured")

	boom := errors.New("boom")
	assert.Equal(t, boom, policyIsNotFailure(c, boom))
	assert.NoError(t, policyIsNotFailure(c, nil))
}

func TestPrintReminderReport(t *testing.T) {
	report := &workflow.ReminderReport{
		DryRun: true,
		Types: []*workflow.TypeReport{
			{Type: models.ReminderTypeDueSoon, Disabled: true},
			{Type: models.ReminderTypeOverdue, Selected: 4, Sent: 2, SkippedThrottle: 1, SkippedOptOut: 1},
		},
	}
	var out bytes.Buffer
	printReminderReport(&out, report)
	assert.Contains(t, out.String(), "due_soon  disabled")
	assert.Contains(t, out.String(), "overdue   selected=4 sent=2 skipped_throttle=1 skipped_opt_out=1 skipped_policy=0 failed=0")
	assert.Contains(t, out.String(), "total would_send=2 skipped=2 failed=0")
}

func TestOkOrErr(t *testing.T) {
	assert.Equal(t, "ok", okOrErr(nil))
	assert.Equal(t, "refused", okOrErr(errors.New("refused")))
}
