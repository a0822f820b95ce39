package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevels(t *testing.T) {
	var console bytes.Buffer
	l, err := New(Options{Level: "warn", Console: &console})
	require.NoError(t, err)
	defer l.Close()

	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "shown")

	l2, err := New(Options{Level: "nonsense", Console: &console})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, l2.GetLevel())
}

func TestLoggerAudit(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "claimsd.log")
	auditFile := filepath.Join(dir, "audit.log")

	var console bytes.Buffer
	l, err := New(Options{Level: "debug", Format: "json", File: logFile, AuditFile: auditFile, Console: &console})
	require.NoError(t, err)

	l.WithField("claim", 7).Info("claim submitted")
	l.WithField("claim", 7).Warn("claim evaluated by a principal other than its submitter")
	l.Audit("claim_evaluated", logrus.Fields{"claim": 7, "caller": "bob"})
	require.NoError(t, l.Close())

	main, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(main), "claim submitted")
	assert.NotContains(t, string(main), "claim_evaluated")

	audit, err := os.ReadFile(auditFile)
	require.NoError(t, err)
	assert.NotContains(t, string(audit), "claim submitted")
	assert.Contains(t, string(audit), "other than its submitter")
	assert.Contains(t, string(audit), "claim_evaluated")
	assert.Contains(t, string(audit), `"caller":"bob"`)
}

func TestAuditWithoutFileIsNoop(t *testing.T) {
	var console bytes.Buffer
	l, err := New(Options{Console: &console})
	require.NoError(t, err)
	l.Audit("ignored", nil)
	assert.Empty(t, console.String())
}
