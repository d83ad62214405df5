package procspec

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// LoadFile reads and validates the config file at path.
func LoadFile(path string) ([]Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses a config document and returns its specs in input order.
// Any structural or semantic problem yields a *ValidationError, including
// keys herd does not know.
func Load(r io.Reader) ([]Spec, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("parsing config: %v", err)}}
	}
	if len(root.Content) == 0 {
		return nil, nil
	}

	var cfg configFile
	var target any
	switch root.Content[0].Kind {
	case yaml.SequenceNode:
		target = &cfg.Apps
	case yaml.MappingNode:
		target = &cfg
	default:
		return nil, &ValidationError{Problems: []string{"config must be a mapping or a list of processes"}}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(target); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("parsing config: %v", err)}}
	}

	return cfg.build()
}

type configFile struct {
	Defaults  policyFields `yaml:"defaults"`
	Apps      []specFields `yaml:"apps"`
	Processes []specFields `yaml:"processes"`
}

type specFields struct {
	Name        string       `yaml:"name"`
	Command     string       `yaml:"command"`
	Script      string       `yaml:"script"`
	Args        argList      `yaml:"args"`
	Interpreter string       `yaml:"interpreter"`
	Env         envMap       `yaml:"env"`
	Cwd         string       `yaml:"cwd"`
	Policy      policyFields `yaml:",inline"`
}

type policyFields struct {
	Restart      string    `yaml:"restart"`
	Autorestart  *bool     `yaml:"autorestart"`
	MaxRestarts  *int      `yaml:"max_restarts"`
	MinBackoff   *duration `yaml:"min_backoff"`
	RestartDelay *duration `yaml:"restart_delay"`
	MaxBackoff   *duration `yaml:"max_backoff"`
	ExitCodes    []int     `yaml:"exit_codes"`
	StopSignal   string    `yaml:"stop_signal"`
	StopTimeout  *duration `yaml:"stop_timeout"`
	KillTimeout  *duration `yaml:"kill_timeout"`
	StableAfter  *duration `yaml:"stable_after"`
	MinUptime    *duration `yaml:"min_uptime"`
}

func (c configFile) build() ([]Spec, error) {
	verr := &ValidationError{}

	defaults := DefaultRestartPolicy()
	c.Defaults.apply(&defaults, "defaults", verr)

	fields := slices.Concat(c.Apps, c.Processes)
	specs := make([]Spec, 0, len(fields))
	seen := make(map[string]int, len(fields))

	for i, f := range fields {
		label := fmt.Sprintf("spec #%d", i+1)
		if f.Name != "" {
			label = fmt.Sprintf("spec #%d (%q)", i+1, f.Name)
		}

		command := f.Command
		if command == "" {
			command = f.Script
		}

		spec := Spec{
			Name:        strings.TrimSpace(f.Name),
			Command:     command,
			Args:        []string(f.Args),
			Interpreter: f.Interpreter,
			Env:         map[string]string(f.Env),
			Cwd:         f.Cwd,
			Restart:     defaults.clone(),
		}

		if spec.Name == "" {
			verr.add("%s: missing name", label)
		} else if spec.Name == ReservedName {
			verr.add("%s: %q is reserved for starting every process", label, ReservedName)
		} else if first, dup := seen[spec.Name]; dup {
			verr.add("%s: duplicate name, first defined by spec #%d", label, first+1)
		} else {
			seen[spec.Name] = i
		}
		if strings.TrimSpace(spec.Command) == "" {
			verr.add("%s: missing command", label)
		}
		if f.Command != "" && f.Script != "" && f.Command != f.Script {
			verr.add("%s: both command and script set", label)
		}
		for k := range spec.Env {
			if k == "" || strings.ContainsAny(k, "=\x00") {
				verr.add("%s: invalid environment variable name %q", label, k)
			}
		}

		f.Policy.apply(&spec.Restart, label, verr)
		specs = append(specs, spec)
	}

	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return specs, nil
}

func (p RestartPolicy) clone() RestartPolicy {
	p.ExitCodes = slices.Clone(p.ExitCodes)
	return p
}

// apply overlays the fields that were set onto dst and records problems.
func (f policyFields) apply(dst *RestartPolicy, label string, verr *ValidationError) {
	if f.Autorestart != nil && !*f.Autorestart {
		dst.Mode = RestartNever
	}
	if f.Restart != "" {
		mode := RestartMode(strings.ToLower(f.Restart))
		if !mode.valid() {
			verr.add("%s: unknown restart mode %q (want on-failure, always or never)", label, f.Restart)
		} else {
			dst.Mode = mode
		}
	}
	if f.MaxRestarts != nil {
		if *f.MaxRestarts < 0 {
			verr.add("%s: max_restarts must not be negative", label)
		} else {
			dst.MaxRestarts = *f.MaxRestarts
		}
	}

	setDuration := func(name string, v *duration, out *time.Duration) {
		if v == nil {
			return
		}
		if *v < 0 {
			verr.add("%s: %s must not be negative", label, name)
			return
		}
		*out = time.Duration(*v)
	}
	setDuration("restart_delay", f.RestartDelay, &dst.MinBackoff)
	setDuration("min_backoff", f.MinBackoff, &dst.MinBackoff)
	setDuration("max_backoff", f.MaxBackoff, &dst.MaxBackoff)
	// pm2's restart_delay is a plain delay; let it grow the ceiling too.
	if f.RestartDelay != nil && f.MaxBackoff == nil && dst.MaxBackoff < dst.MinBackoff {
		dst.MaxBackoff = dst.MinBackoff
	}
	setDuration("kill_timeout", f.KillTimeout, &dst.StopTimeout)
	setDuration("stop_timeout", f.StopTimeout, &dst.StopTimeout)
	setDuration("min_uptime", f.MinUptime, &dst.StableAfter)
	setDuration("stable_after", f.StableAfter, &dst.StableAfter)

	if dst.MinBackoff > dst.MaxBackoff {
		verr.add("%s: min_backoff %s exceeds max_backoff %s", label, dst.MinBackoff, dst.MaxBackoff)
	}

	if f.ExitCodes != nil {
		dst.ExitCodes = slices.Clone(f.ExitCodes)
	}
	if f.StopSignal != "" {
		sig, err := ParseSignal(f.StopSignal)
		if err != nil {
			verr.add("%s: %v", label, err)
		} else {
			dst.StopSignal = sig
		}
	}
}

// ParseSignal accepts "TERM", "SIGTERM", "sigterm" or a signal number.
func ParseSignal(s string) (syscall.Signal, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || unix.SignalName(syscall.Signal(n)) == "" {
			return 0, fmt.Errorf("unknown signal %d", n)
		}
		return syscall.Signal(n), nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	if sig := unix.SignalNum(name); sig != 0 {
		return sig, nil
	}
	return 0, fmt.Errorf("unknown signal %q", s)
}

// argList accepts either a list of arguments or a single shell-quoted string.
type argList []string

func (a *argList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.ShortTag() == "!!null" {
			*a = nil
			return nil
		}
		args, err := shlex.Split(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: splitting args: %w", node.Line, err)
		}
		*a = args
		return nil
	case yaml.SequenceNode:
		args := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: args entries must be scalars", item.Line)
			}
			args = append(args, item.Value)
		}
		*a = args
		return nil
	}
	return fmt.Errorf("line %d: args must be a string or a list", node.Line)
}

// envMap renders every scalar value as a string so that `PORT: 5051` works.
type envMap map[string]string

func (m *envMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.ShortTag() == "!!null" {
		*m = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: env must be a mapping", node.Line)
	}
	env := make(map[string]string, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: env value for %q must be a scalar", val.Line, key.Value)
		}
		if _, dup := env[key.Value]; dup {
			return fmt.Errorf("line %d: env variable %q defined twice", key.Line, key.Value)
		}
		if val.ShortTag() == "!!null" {
			env[key.Value] = ""
			continue
		}
		env[key.Value] = val.Value
	}
	*m = env
	return nil
}

// duration accepts Go duration strings ("1.5s") or integer milliseconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if node.ShortTag() == "!!int" {
		ms, err := strconv.ParseInt(node.Value, 0, 64)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*d = duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = duration(v)
	return nil
}
