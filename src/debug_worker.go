package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/ryansname/chargectl/src/charging"
	"github.com/ryansname/chargectl/src/voter"
)

// debugEngine is what the console reads and drives
type debugEngine interface {
	engineControl
	Votes(resource string) []voter.Vote
	Status() charging.Status
}

// statusFields are the values that can be watched
var statusFields = map[string]func(st charging.Status) string{
	"state": func(st charging.Status) string { return st.State.String() },
	"cable": func(st charging.Status) string { return string(st.Cable) },
	"zone":  func(st charging.Status) string { return st.Zone.String() },
	"ttf": func(st charging.Status) string {
		if st.TimeToFull < 0 {
			return "-"
		}
		return (time.Duration(st.TimeToFull) * time.Second).String()
	},
	"safety":      func(st charging.Status) string { return st.SafetyRemaining.Truncate(time.Second).String() },
	"icl":         effectiveField(charging.ResourceICL),
	"fcc":         effectiveField(charging.ResourceFCC),
	"fv":          effectiveField(charging.ResourceFV),
	"chg_disable": effectiveField(charging.ResourceChgDisable),
	"events":      func(st charging.Status) string { return st.Events.String() },
	"temp":        sensorField(charging.SensorTemp, func(s charging.Snapshot) int { return s.Temp }),
	"voltage":     sensorField(charging.SensorVoltage, func(s charging.Snapshot) int { return s.Voltage }),
	"current":     sensorField(charging.SensorCurrent, func(s charging.Snapshot) int { return s.Current }),
	"soc":         sensorField(charging.SensorSoC, func(s charging.Snapshot) int { return s.SoC }),
	"thermal":     sensorField(charging.SensorThermal, func(s charging.Snapshot) int { return s.ThermalLevel }),
}

func effectiveField(resource string) func(st charging.Status) string {
	return func(st charging.Status) string {
		eff, ok := st.Effective[resource]
		if !ok || !eff.Active {
			return "-"
		}
		return fmt.Sprintf("%d (%s)", eff.Value, eff.Voter)
	}
}

func sensorField(sensor charging.Sensor, get func(s charging.Snapshot) int) func(st charging.Status) string {
	return func(st charging.Status) string {
		if !st.Snapshot.Has(sensor) {
			return "-"
		}
		return fmt.Sprint(get(st.Snapshot))
	}
}

// ANSI color codes for highlighting changes
const (
	ansiReset  = "\033[0m"
	ansiYellow = "\033[33m" // Yellow for changed values
)

// readlineWriter wraps log output to work with readline
type readlineWriter struct {
	rl *readline.Instance
}

func (w *readlineWriter) Write(p []byte) (n int, err error) {
	if w.rl != nil {
		w.rl.Clean()
	}
	n, err = os.Stderr.Write(p)
	if w.rl != nil {
		w.rl.Refresh()
	}
	return n, err
}

// DebugState manages the list of watched status fields
type DebugState struct {
	watches       []string
	headerPrinted bool
	columnWidths  []int
	prevValues    map[string]string
	out           func(line string)
}

// NewDebugState creates a new debug state printing through out
func NewDebugState(out func(line string)) *DebugState {
	return &DebugState{
		prevValues: make(map[string]string),
		out:        out,
	}
}

func (s *DebugState) print(format string, args ...any) {
	s.out(fmt.Sprintf(format, args...))
}

// AddWatch adds a field and keeps the list sorted
func (s *DebugState) AddWatch(field string) error {
	if _, ok := statusFields[field]; !ok {
		return fmt.Errorf("unknown field %q (try 'fields')", field)
	}
	if slices.Contains(s.watches, field) {
		return fmt.Errorf("already watching %s", field)
	}
	s.watches = append(s.watches, field)
	slices.Sort(s.watches)
	s.headerPrinted = false
	return nil
}

// RemoveWatch removes a watched field
func (s *DebugState) RemoveWatch(field string) bool {
	i := slices.Index(s.watches, field)
	if i < 0 {
		return false
	}
	s.watches = slices.Delete(s.watches, i, i+1)
	s.headerPrinted = false
	return true
}

// RemoveAll removes all watches
func (s *DebugState) RemoveAll() {
	s.watches = s.watches[:0]
	s.headerPrinted = false
}

// PrintHeader prints the column headers
func (s *DebugState) PrintHeader() {
	if len(s.watches) == 0 {
		return
	}
	s.columnWidths = make([]int, len(s.watches))
	parts := make([]string, 0, len(s.watches))
	for i, w := range s.watches {
		s.columnWidths[i] = len(w)
		parts = append(parts, fmt.Sprintf("%*s", s.columnWidths[i], w))
	}
	s.print("%s", strings.Join(parts, " | "))
	s.headerPrinted = true
	s.prevValues = make(map[string]string)
}

// PrintRow prints the watched values when any of them changed
func (s *DebugState) PrintRow(st charging.Status) {
	if len(s.watches) == 0 {
		return
	}
	if !s.headerPrinted {
		s.PrintHeader()
	}

	parts := make([]string, 0, len(s.watches))
	anyChanged := false
	newValues := make(map[string]string, len(s.watches))

	for i, w := range s.watches {
		value := statusFields[w](st)
		newValues[w] = value

		width := max(s.columnWidths[i], len(value))
		s.columnWidths[i] = width

		prevValue, hasPrev := s.prevValues[w]
		if !hasPrev || prevValue != value {
			anyChanged = true
			parts = append(parts, fmt.Sprintf("%s%*s%s", ansiYellow, width, value, ansiReset))
		} else {
			parts = append(parts, fmt.Sprintf("%*s", width, value))
		}
	}

	if anyChanged {
		s.print("%s", strings.Join(parts, " | "))
		s.prevValues = newValues
	}
}

// PrintStatus prints every field of the status
func (s *DebugState) PrintStatus(st charging.Status) {
	fields := make([]string, 0, len(statusFields))
	for name := range statusFields {
		fields = append(fields, name)
	}
	slices.Sort(fields)
	if st.Session != "" {
		s.print("%12s  %s", "session", st.Session)
	}
	for _, name := range fields {
		s.print("%12s  %s", name, statusFields[name](st))
	}
}

// PrintVotes prints the votes on one resource, or on all of them
func (s *DebugState) PrintVotes(engine debugEngine, resource string) {
	resources := engine.Resources()
	if resource != "" {
		resource = strings.ToUpper(resource)
		if !slices.Contains(resources, resource) {
			s.print("Unknown resource %s (have %s)", resource, strings.Join(resources, ", "))
			return
		}
		resources = []string{resource}
	}
	for _, r := range resources {
		eff, _ := engine.Effective(r)
		if eff.Active {
			s.print("%s = %d (%s)", r, eff.Value, eff.Voter)
		} else {
			s.print("%s = none", r)
		}
		for _, v := range engine.Votes(r) {
			state := "off"
			if v.Enabled {
				state = fmt.Sprint(v.Value)
			}
			s.print("  %-14s %s", v.Voter, state)
		}
	}
}

// handleDebugCommand processes a debug command
func handleDebugCommand(line string, state *DebugState, engine debugEngine, sender *MQTTSender) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return
	}

	switch parts[0] {
	case "watch":
		if len(parts) < 2 {
			state.print("Usage: watch <field>...")
			return
		}
		for _, f := range parts[1:] {
			if err := state.AddWatch(f); err != nil {
				state.print("Error: %v", err)
			}
		}

	case "unwatch":
		if len(parts) < 2 {
			state.print("Usage: unwatch <field> | unwatch --all")
			return
		}
		if parts[1] == "--all" {
			state.RemoveAll()
			return
		}
		for _, f := range parts[1:] {
			if !state.RemoveWatch(f) {
				state.print("Not watching %s", f)
			}
		}

	case "fields":
		names := make([]string, 0, len(statusFields))
		for name := range statusFields {
			names = append(names, name)
		}
		slices.Sort(names)
		state.print("%s", strings.Join(names, " "))

	case "status":
		state.PrintStatus(engine.Status())

	case "votes":
		resource := ""
		if len(parts) > 1 {
			resource = parts[1]
		}
		state.PrintVotes(engine, resource)

	case "reset-safety":
		if err := applyCommand(operatorCommand{kind: cmdResetSafety}, engine, sender); err != nil {
			state.print("Error: %v", err)
		}

	case "recharge":
		if len(parts) != 2 {
			state.print("Usage: recharge <mV>")
			return
		}
		mv, err := parseMillis(parts[1])
		if err == nil {
			err = applyCommand(operatorCommand{kind: cmdRecharge, value: mv}, engine, sender)
		}
		if err != nil {
			state.print("Error: %v", err)
		}

	case "vote":
		if len(parts) != 4 {
			state.print("Usage: vote <resource> <voter> <value|off>")
			return
		}
		cmd := operatorCommand{kind: cmdVote, resource: strings.ToUpper(parts[1]), voter: voter.Voter(parts[2])}
		var err error
		if !strings.EqualFold(parts[3], "off") {
			cmd.enabled = true
			cmd.value, err = parseMillis(parts[3])
		}
		if err == nil {
			err = applyCommand(cmd, engine, sender)
		}
		if err != nil {
			state.print("Error: %v", err)
		}

	case "help":
		state.print("Commands:")
		state.print("  status                          - Show the current status")
		state.print("  fields                          - List watchable fields")
		state.print("  watch <field>...                - Print fields as they change")
		state.print("  unwatch <field> | --all         - Stop watching")
		state.print("  votes [resource]                - Show votes and effective values")
		state.print("  vote <resource> <voter> <v|off> - Cast or withdraw an external vote")
		state.print("  reset-safety                    - Reset the safety timer")
		state.print("  recharge <mV>                   - Set the recharge voltage")
		state.print("  help                            - Show this help")

	default:
		state.print("Unknown command: %s (try 'help')", parts[0])
	}
}

// readlineLoop runs the readline loop, sending commands to the channel
func readlineLoop(
	ctx context.Context,
	cancel context.CancelFunc,
	rl *readline.Instance,
	commandChan chan<- string,
) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			cancel() // Ctrl+C pressed, shutdown the app
			return
		}
		if err != nil {
			return // EOF or other error
		}
		line = strings.TrimSpace(line)
		if line != "" {
			commandChan <- line
		}
	}
}

// getHistoryFilePath returns the path for debug history file
func getHistoryFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(cacheDir, "chargectl")
	_ = os.MkdirAll(dir, 0750)
	return filepath.Join(dir, "debug_history")
}

// debugWorker provides an interactive console over the engine status
func debugWorker(
	ctx context.Context,
	cancel context.CancelFunc,
	statusChan <-chan charging.Status,
	engine debugEngine,
	sender *MQTTSender,
) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "> ",
		HistoryFile: getHistoryFilePath(),
	})
	if err != nil {
		log.WithError(err).Error("Debug worker: readline init failed")
		return
	}

	// Route log output around the prompt
	rlWriter := &readlineWriter{rl: rl}
	prevOut := log.Out
	log.SetOutput(rlWriter)
	defer func() {
		log.SetOutput(prevOut)
		_ = rl.Close()
	}()

	log.Info("Debug worker started (type 'help' for commands)")

	commandChan := make(chan string, 10)
	state := NewDebugState(func(line string) {
		rl.Clean()
		fmt.Println(line)
		rl.Refresh()
	})

	go readlineLoop(ctx, cancel, rl, commandChan)

	for {
		select {
		case line := <-commandChan:
			handleDebugCommand(line, state, engine, sender)
		case st := <-statusChan:
			state.PrintRow(st)
		case <-ctx.Done():
			log.Info("Debug worker stopped")
			return
		}
	}
}
