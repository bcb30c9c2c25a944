package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	errspkg "github.com/drblury/shardflow/internal/runtime/errors"
)

func TestResolveDefaultsFillsLibraryValues(t *testing.T) {
	var c Config
	c.ResolveDefaults()
	if c.SMP < 1 {
		t.Errorf("SMP must default to at least 1, got %d", c.SMP)
	}
	if c.TaskQuotaMs != DefaultTaskQuotaMs {
		t.Errorf("TaskQuotaMs = %g, want %g", c.TaskQuotaMs, DefaultTaskQuotaMs)
	}
	if c.MaxTaskBacklog != DefaultMaxTaskBacklog {
		t.Errorf("MaxTaskBacklog = %d, want %d", c.MaxTaskBacklog, DefaultMaxTaskBacklog)
	}
	if c.BlockedReactorNotifyMs != DefaultStallNotifyMs {
		t.Errorf("BlockedReactorNotifyMs = %d, want %d", c.BlockedReactorNotifyMs, DefaultStallNotifyMs)
	}
	if c.IdlePollTimeUs == nil || *c.IdlePollTimeUs != DefaultIdlePollTimeUs {
		t.Errorf("IdlePollTimeUs not defaulted: %v", c.IdlePollTimeUs)
	}
	if c.PollAIO == nil || !*c.PollAIO {
		t.Error("PollAIO must default to true when not overprovisioned")
	}
	if c.DumpMemoryDiagnosticsOnAllocFailureKind != DumpNone {
		t.Errorf("dump kind = %q, want none", c.DumpMemoryDiagnosticsOnAllocFailureKind)
	}
}

// Precedence: an explicit value wins, then Overprovisioned, then the library
// default.
func TestOverprovisionedPrecedence(t *testing.T) {
	over := Config{Overprovisioned: true}
	over.ResolveDefaults()
	if *over.IdlePollTimeUs != 0 {
		t.Errorf("overprovisioned idle poll = %d, want 0", *over.IdlePollTimeUs)
	}
	if *over.PollAIO {
		t.Error("overprovisioned must disable poll-aio by default")
	}

	explicit := 100
	aio := true
	both := Config{Overprovisioned: true, IdlePollTimeUs: &explicit, PollAIO: &aio}
	both.ResolveDefaults()
	if *both.IdlePollTimeUs != 100 {
		t.Errorf("explicit idle poll = %d, want 100", *both.IdlePollTimeUs)
	}
	if !*both.PollAIO {
		t.Error("explicit poll-aio must win over overprovisioned")
	}
}

func TestValidateConfigCollectsProblems(t *testing.T) {
	neg := -1
	c := Config{
		SMP:                    -2,
		TaskQuotaMs:            -1,
		IdlePollTimeUs:         &neg,
		BlockedReactorNotifyMs: -5,
		CPUSet:                 "7-3",
		Memory:                 100,
		ReserveMemory:          200,
		DumpMemoryDiagnosticsOnAllocFailureKind: "sometimes",
	}
	err := ValidateConfig(&c)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !errors.Is(err, errspkg.ErrBadConfig) {
		t.Error("validation errors must unwrap to ErrBadConfig")
	}
	var verr *errspkg.ConfigValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("unexpected error type %T", err)
	}
	if len(verr.Problems) != 7 {
		t.Errorf("got %d problems, want 7: %v", len(verr.Problems), verr.Problems)
	}
}

func TestValidateConfigAcceptsResolved(t *testing.T) {
	var c Config
	c.ResolveDefaults()
	if err := ValidateConfig(&c); err != nil {
		t.Fatalf("resolved defaults must validate: %v", err)
	}
}

func TestTaskQuotaDuration(t *testing.T) {
	c := Config{TaskQuotaMs: 0.5}
	if got := c.TaskQuota(); got != 500*time.Microsecond {
		t.Errorf("TaskQuota() = %v, want 500µs", got)
	}
}

func TestParseCPUSet(t *testing.T) {
	cases := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{in: "0-3,7", want: []int{0, 1, 2, 3, 7}},
		{in: "5", want: []int{5}},
		{in: "2-2", want: []int{2}},
		{in: "1,1,1", want: []int{1}},
		{in: "3,0-1", want: []int{0, 1, 3}},
		{in: "", wantErr: true},
		{in: "a-b", wantErr: true},
		{in: "5-2", wantErr: true},
		{in: "-1", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseCPUSet(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseCPUSet(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCPUSet(%q): %v", tc.in, err)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("ParseCPUSet(%q) mismatch (-want +got):\n%s", tc.in, diff)
		}
	}
}

func TestFormatCPUSetRoundTrip(t *testing.T) {
	for _, spec := range []string{"0-3,7", "5", "0,2,4", "1-2,4-6,9"} {
		ids, err := ParseCPUSet(spec)
		if err != nil {
			t.Fatalf("ParseCPUSet(%q): %v", spec, err)
		}
		if got := FormatCPUSet(ids); got != spec {
			t.Errorf("FormatCPUSet(ParseCPUSet(%q)) = %q", spec, got)
		}
	}
}

func TestParseYAML(t *testing.T) {
	c, err := Parse([]byte(strings.TrimSpace(`
smp: 4
cpuset: "0-3"
task-quota-ms: 1.5
max-task-backlog: 500
blocked-reactor-notify-ms: 100
poll-aio: false
`)))
	if err != nil {
		t.Fatal(err)
	}
	if c.SMP != 4 || c.CPUSet != "0-3" || c.TaskQuotaMs != 1.5 {
		t.Errorf("unexpected config: %s", c)
	}
	if c.MaxTaskBacklog != 500 {
		t.Errorf("MaxTaskBacklog = %d", c.MaxTaskBacklog)
	}
	if *c.PollAIO {
		t.Error("explicit poll-aio: false must survive default resolution")
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	if _, err := Parse([]byte("smp: -3")); err == nil {
		t.Error("negative smp must be rejected")
	}
	if _, err := Parse([]byte("{{not yaml")); err == nil {
		t.Error("malformed yaml must be rejected")
	}
}
