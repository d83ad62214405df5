package procspec

import (
	"errors"
	"slices"
	"strings"
	"syscall"
	"testing"
	"time"
)

const ecosystem = `
apps:
  - name: dsc-backend
    script: ./start_backend.sh
    interpreter: bash
    env:
      FLASK_ENV: production
      FLASK_APP: run.py
      PORT: 5051
  - name: cloudflared-dsc-backend
    script: cloudflared
    args: tunnel --url localhost:5051
    interpreter: none
    env:
      NODE_ENV: production
`

func mustLoad(t *testing.T, src string) []Spec {
	t.Helper()
	specs, err := Load(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return specs
}

func mustFailValidation(t *testing.T, src string) *ValidationError {
	t.Helper()
	_, err := Load(strings.NewReader(src))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	return verr
}

func TestLoad_Ecosystem(t *testing.T) {
	specs := mustLoad(t, ecosystem)

	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}

	backend := specs[0]
	if backend.Name != "dsc-backend" {
		t.Errorf("first spec = %q, want dsc-backend", backend.Name)
	}
	if got, want := backend.Argv(), []string{"bash", "./start_backend.sh"}; !slices.Equal(got, want) {
		t.Errorf("Argv() = %q, want %q", got, want)
	}
	if backend.Env["PORT"] != "5051" {
		t.Errorf("PORT = %q, want 5051", backend.Env["PORT"])
	}
	if backend.Env["FLASK_APP"] != "run.py" {
		t.Errorf("FLASK_APP = %q, want run.py", backend.Env["FLASK_APP"])
	}

	tunnel := specs[1]
	want := []string{"cloudflared", "tunnel", "--url", "localhost:5051"}
	if got := tunnel.Argv(); !slices.Equal(got, want) {
		t.Errorf("Argv() = %q, want %q", got, want)
	}
}

func TestLoad_PreservesOrder(t *testing.T) {
	names := []string{"zeta", "alpha", "mid", "beta", "omega"}
	var b strings.Builder
	for _, n := range names {
		b.WriteString("- name: " + n + "\n  command: /bin/true\n")
	}

	specs := mustLoad(t, b.String())
	var got []string
	for _, s := range specs {
		got = append(got, s.Name)
	}
	if !slices.Equal(got, names) {
		t.Errorf("order = %v, want %v", got, names)
	}
}

func TestLoad_DuplicateName(t *testing.T) {
	verr := mustFailValidation(t, `
apps:
  - name: web
    command: a
  - name: worker
    command: b
  - name: web
    command: c
`)
	if len(verr.Problems) != 1 || !strings.Contains(verr.Problems[0], "duplicate name") {
		t.Errorf("problems = %v", verr.Problems)
	}
}

func TestLoad_MissingFields(t *testing.T) {
	verr := mustFailValidation(t, `
apps:
  - command: /bin/true
  - name: nocmd
`)
	if len(verr.Problems) != 2 {
		t.Fatalf("expected 2 problems, got %v", verr.Problems)
	}
	if !strings.Contains(verr.Problems[0], "missing name") {
		t.Errorf("problem[0] = %q", verr.Problems[0])
	}
	if !strings.Contains(verr.Problems[1], "missing command") {
		t.Errorf("problem[1] = %q", verr.Problems[1])
	}
}

func TestLoad_InvalidPolicy(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"restart mode", "- {name: a, command: x, restart: sometimes}", "unknown restart mode"},
		{"signal", "- {name: a, command: x, stop_signal: NOPE}", "unknown signal"},
		{"signal number", "- {name: a, command: x, stop_signal: 999}", "unknown signal 999"},
		{"unknown key", "- {name: a, command: x, max_restart: 3}", "field max_restart not found"},
		{"unknown defaults key", "defaults: {stop_sig: INT}\napps: [{name: a, command: x}]", "field stop_sig not found"},
		{"reserved name", "- {name: all, command: x}", "reserved"},
		{"negative restarts", "- {name: a, command: x, max_restarts: -1}", "max_restarts"},
		{"backoff order", "- {name: a, command: x, min_backoff: 10s, max_backoff: 1s}", "exceeds max_backoff"},
		{"env key", "- {name: a, command: x, env: {'A=B': c}}", "invalid environment variable"},
		{"bad yaml", "apps: [", "parsing config"},
		{"bad duration", "- {name: a, command: x, stop_timeout: soon}", "parsing config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verr := mustFailValidation(t, tt.src)
			if !strings.Contains(verr.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", verr.Error(), tt.want)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	specs := mustLoad(t, `
defaults:
  max_restarts: 3
  min_backoff: 200ms
  stop_signal: INT
apps:
  - name: a
    command: x
  - name: b
    command: y
    max_restarts: 9
    restart_delay: 50
    kill_timeout: 1500
    autorestart: false
    exit_codes: [0, 2]
`)

	a := specs[0].Restart
	if a.MaxRestarts != 3 || a.MinBackoff != 200*time.Millisecond || a.StopSignal != syscall.SIGINT {
		t.Errorf("defaults not applied: %+v", a)
	}
	if a.Mode != RestartOnFailure || a.MaxBackoff != 30*time.Second {
		t.Errorf("built-in defaults lost: %+v", a)
	}

	b := specs[1].Restart
	if b.MaxRestarts != 9 {
		t.Errorf("MaxRestarts = %d, want 9", b.MaxRestarts)
	}
	if b.MinBackoff != 50*time.Millisecond {
		t.Errorf("MinBackoff = %s, want 50ms", b.MinBackoff)
	}
	if b.StopTimeout != 1500*time.Millisecond {
		t.Errorf("StopTimeout = %s, want 1.5s", b.StopTimeout)
	}
	if b.Mode != RestartNever {
		t.Errorf("Mode = %s, want never", b.Mode)
	}
	if !slices.Equal(b.ExitCodes, []int{0, 2}) {
		t.Errorf("ExitCodes = %v", b.ExitCodes)
	}
}

func TestLoad_RestartDelayRaisesCeiling(t *testing.T) {
	specs := mustLoad(t, `
apps:
  - name: slow
    command: x
    restart_delay: 60000
  - name: capped
    command: y
    restart_delay: 60000
    max_backoff: 2m
`)

	slow := specs[0].Restart
	if slow.MinBackoff != time.Minute || slow.MaxBackoff != time.Minute {
		t.Errorf("slow backoff = %s..%s, want 1m..1m", slow.MinBackoff, slow.MaxBackoff)
	}
	capped := specs[1].Restart
	if capped.MinBackoff != time.Minute || capped.MaxBackoff != 2*time.Minute {
		t.Errorf("capped backoff = %s..%s, want 1m..2m", capped.MinBackoff, capped.MaxBackoff)
	}

	mustFailValidation(t, "- {name: a, command: x, restart_delay: 60000, max_backoff: 10s}")
}

func TestRestartPolicy_Validate(t *testing.T) {
	if err := DefaultRestartPolicy().Validate(); err != nil {
		t.Errorf("default policy invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*RestartPolicy)
		want   string
	}{
		{"mode", func(p *RestartPolicy) { p.Mode = "sometimes" }, "unknown restart mode"},
		{"backoff order", func(p *RestartPolicy) { p.MaxBackoff = 0 }, "exceeds max_backoff"},
		{"negative restarts", func(p *RestartPolicy) { p.MaxRestarts = -1 }, "max_restarts"},
		{"no signal", func(p *RestartPolicy) { p.StopSignal = 0 }, "no stop signal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultRestartPolicy()
			tt.mutate(&p)
			err := p.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestLoad_JSON(t *testing.T) {
	specs := mustLoad(t, `{"apps": [{"name": "svc", "command": "/usr/bin/env", "args": ["-i", "FOO=1"], "env": {"PORT": 5051, "DEBUG": true}}]}`)
	if len(specs) != 1 {
		t.Fatalf("expected 1 spec, got %d", len(specs))
	}
	if got := specs[0].Args; !slices.Equal(got, []string{"-i", "FOO=1"}) {
		t.Errorf("Args = %q", got)
	}
	if specs[0].Env["DEBUG"] != "true" || specs[0].Env["PORT"] != "5051" {
		t.Errorf("Env = %v", specs[0].Env)
	}
}

func TestLoad_QuotedArgs(t *testing.T) {
	specs := mustLoad(t, `- {name: a, command: sh, args: "-c 'echo hello world'"}`)
	if got, want := specs[0].Args, []string{"-c", "echo hello world"}; !slices.Equal(got, want) {
		t.Errorf("Args = %q, want %q", got, want)
	}
}

func TestLoad_Empty(t *testing.T) {
	specs, err := Load(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Load(empty) failed: %v", err)
	}
	if len(specs) != 0 {
		t.Errorf("expected no specs, got %d", len(specs))
	}
}

func TestParseSignal(t *testing.T) {
	tests := map[string]syscall.Signal{
		"TERM":    syscall.SIGTERM,
		"SIGINT":  syscall.SIGINT,
		"sighup":  syscall.SIGHUP,
		" KILL ":  syscall.SIGKILL,
		"15":      syscall.SIGTERM,
		"SIGQUIT": syscall.SIGQUIT,
	}
	for in, want := range tests {
		got, err := ParseSignal(in)
		if err != nil {
			t.Errorf("ParseSignal(%q) failed: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseSignal(%q) = %v, want %v", in, got, want)
		}
	}

	for _, bad := range []string{"BOGUS", "999", "0", "-15"} {
		if _, err := ParseSignal(bad); err == nil {
			t.Errorf("ParseSignal(%q): expected error", bad)
		}
	}
}

func TestSpec_CloneIsDeep(t *testing.T) {
	orig := Spec{Name: "a", Command: "x", Args: []string{"1"}, Env: map[string]string{"K": "v"}}
	c := orig.Clone()
	c.Args[0] = "2"
	c.Env["K"] = "changed"
	if orig.Args[0] != "1" || orig.Env["K"] != "v" {
		t.Errorf("Clone shares state with original: %+v", orig)
	}
}
