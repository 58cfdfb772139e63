package main

import (
	"bufio"
	"errors"
	"fmt"
	"hash/fnv"
	"html"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/spf13/cobra"
)

const agentMockUsage = "usage: agent-mock [-p] [--scenario <name>] [--seed <n>] [--delay-ms <n>] [--ignore-term] [--append-system-prompt <text>] [prompt|-]"

func newAgentMockCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "agent-mock [-p] [--scenario <name>] [--seed <n>] [--delay-ms <n>] [--ignore-term] [prompt|-]",
		Short:              "Mock agent CLI emitting window commands for testing",
		SilenceErrors:      true,
		SilenceUsage:       true,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentMock(args, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

type mockConfig struct {
	prompt       string
	systemPrompt string
	scenario     string
	seed         uint64
	seedSet      bool
	delay        time.Duration
	ignoreTerm   bool
}

type mockScenario struct {
	name string
	run  func(cfg mockConfig, w *mockWriter) error
}

var errMockFailure = errors.New("mock failure: simulated agent error")

func runAgentMock(args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) error {
	cfg, err := parseMockArgs(args)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return err
	}
	prompt, err := resolveMockPrompt(cfg.prompt, stdin)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return err
	}
	cfg.prompt = prompt
	if !cfg.seedSet {
		cfg.seed = hashSeed(cfg.prompt, cfg.scenario)
	}

	scenario, err := pickScenario(cfg, buildScenarios())
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return err
	}
	w := &mockWriter{out: bufio.NewWriter(stdout), delay: cfg.delay}
	defer func() { _ = w.out.Flush() }()
	if err := scenario.run(cfg, w); err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return err
	}
	return nil
}

func parseMockArgs(args []string) (mockConfig, error) {
	cfg := mockConfig{delay: 20 * time.Millisecond}
	for len(args) > 0 {
		switch args[0] {
		case "-":
			cfg.prompt = "-"
			return cfg, nil
		case "--":
			cfg.prompt = strings.Join(args[1:], " ")
			return cfg, nil
		case "-p", "--print", "--dangerously-skip-permissions":
			args = args[1:]
		case "--ignore-term":
			cfg.ignoreTerm = true
			args = args[1:]
		case "--append-system-prompt":
			if len(args) < 2 {
				return mockConfig{}, errors.New("--append-system-prompt requires a value")
			}
			cfg.systemPrompt = args[1]
			args = args[2:]
		case "--scenario":
			if len(args) < 2 {
				return mockConfig{}, errors.New("--scenario requires a value")
			}
			cfg.scenario = args[1]
			args = args[2:]
		case "--seed":
			if len(args) < 2 {
				return mockConfig{}, errors.New("--seed requires a value")
			}
			val, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return mockConfig{}, fmt.Errorf("invalid --seed: %w", err)
			}
			cfg.seed = val
			cfg.seedSet = true
			args = args[2:]
		case "--delay-ms":
			if len(args) < 2 {
				return mockConfig{}, errors.New("--delay-ms requires a value")
			}
			val, err := strconv.Atoi(args[1])
			if err != nil || val < 0 {
				return mockConfig{}, errors.New("invalid --delay-ms")
			}
			cfg.delay = time.Duration(val) * time.Millisecond
			args = args[2:]
		case "-h", "--help":
			return mockConfig{}, errors.New(agentMockUsage)
		default:
			if strings.HasPrefix(args[0], "--") {
				return mockConfig{}, fmt.Errorf("unsupported flag: %s", args[0])
			}
			cfg.prompt = strings.Join(args, " ")
			return cfg, nil
		}
	}
	return cfg, nil
}

func resolveMockPrompt(arg string, stdin io.Reader) (string, error) {
	if arg == "-" {
		return readStdinPrompt(stdin)
	}
	if strings.TrimSpace(arg) != "" {
		return arg, nil
	}
	if isTerminalReader(stdin) {
		return "", errors.New("no prompt provided")
	}
	return readStdinPrompt(stdin)
}

func readStdinPrompt(stdin io.Reader) (string, error) {
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt from stdin: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("no prompt provided via stdin")
	}
	return prompt, nil
}

func isTerminalReader(stdin io.Reader) bool {
	file, ok := stdin.(*os.File)
	if !ok {
		return false
	}
	info, err := file.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func hashSeed(prompt, scenario string) uint64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(prompt))
	_, _ = hasher.Write([]byte(scenario))
	return hasher.Sum64()
}

func buildScenarios() []mockScenario {
	return []mockScenario{
		{name: "todo", run: scenarioTodo},
		{name: "multi", run: scenarioMulti},
		{name: "script", run: scenarioScript},
		{name: "close", run: scenarioClose},
		{name: "prose", run: scenarioProse},
		{name: "failure", run: scenarioFailure},
		{name: "hang", run: scenarioHang},
	}
}

// pickScenario prefers an explicit name, then a scenario named in the
// prompt, then a seeded choice among the ones that finish cleanly.
func pickScenario(cfg mockConfig, scenarios []mockScenario) (mockScenario, error) {
	if cfg.scenario != "" {
		for _, s := range scenarios {
			if s.name == cfg.scenario {
				return s, nil
			}
		}
		return mockScenario{}, fmt.Errorf("unknown scenario: %s", cfg.scenario)
	}
	words := strings.FieldsFunc(strings.ToLower(cfg.prompt), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, word := range words {
		for _, s := range scenarios {
			if s.name == word {
				return s, nil
			}
		}
	}
	clean := scenarios[:5]
	return clean[int(cfg.seed%uint64(len(clean)))], nil
}

type mockWriter struct {
	out   *bufio.Writer
	delay time.Duration
}

// chunk writes text as one stdout write and pauses.
func (w *mockWriter) chunk(text string) error {
	if _, err := w.out.WriteString(text); err != nil {
		return err
	}
	if err := w.out.Flush(); err != nil {
		return err
	}
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	return nil
}

func (w *mockWriter) lines(lines ...string) error {
	for _, line := range lines {
		if err := w.chunk(line + "\n"); err != nil {
			return err
		}
	}
	return nil
}

func scenarioTodo(cfg mockConfig, w *mockWriter) error {
	return w.lines(
		"I'll create a todo list for you.",
		`WINDOW NEW → id: todo, title: "Todo List", size: md`,
		"DOM REPLACE HTML → selector: #todo",
		"HTML CONTENT:",
		`<div class="p-4 space-y-2">`,
		`  <h2 class="text-lg font-semibold">`+html.EscapeString(cfg.prompt)+`</h2>`,
		`  <ul class="list-disc pl-5">`,
		`    <li>Inspect the request</li>`,
		`    <li>Sketch the layout</li>`,
		`    <li>Ship it</li>`,
		`  </ul>`,
		`  <button data-action="add" class="rounded bg-blue-500 px-3 py-1 text-white">Add</button>`,
		`</div>`,
	)
}

func scenarioMulti(cfg mockConfig, w *mockWriter) error {
	return w.chunk(strings.Join([]string{
		`WINDOW NEW → id: notes, title: "Notes", size: sm`,
		`WINDOW NEW → id: clock, title: "Clock", size: sm`,
		"DOM REPLACE HTML → selector: #notes",
		"HTML CONTENT:",
		`<p class="p-4">Write things down.</p>`,
		"DOM REPLACE HTML → selector: #clock",
		"HTML CONTENT:",
		`<p class="p-4 font-mono" data-role="time">00:00</p>`,
		"",
	}, "\n"))
}

func scenarioScript(cfg mockConfig, w *mockWriter) error {
	return w.lines(
		`WINDOW NEW → id: counter, title: "Counter", size: sm`,
		"DOM REPLACE HTML → selector: #counter",
		"HTML CONTENT:",
		`<div class="flex flex-col items-center gap-4 p-4"><span data-role="value">0</span><button data-action="increment">+1</button></div>`,
		"WINDOW SCRIPT → id: counter",
		"SCRIPT CONTENT:",
		`const value = root.querySelector('[data-role="value"]');`,
		`root.querySelector('[data-action="increment"]').addEventListener('click', () => {`,
		`  value.textContent = String(Number(value.textContent) + 1);`,
		`});`,
	)
}

func scenarioClose(cfg mockConfig, w *mockWriter) error {
	return w.lines(
		`WINDOW NEW → id: scratch, title: "Scratch", size: sm`,
		"DOM REPLACE HTML → selector: #scratch",
		"HTML CONTENT:",
		`<p>temporary</p>`,
		"WINDOW CLOSE → id: scratch",
		"Closed the scratch window again.",
	)
}

func scenarioProse(cfg mockConfig, w *mockWriter) error {
	return w.lines(
		"I thought about "+strconv.Quote(cfg.prompt)+" but there is nothing to show.",
		"No windows this time.",
	)
}

func scenarioFailure(cfg mockConfig, w *mockWriter) error {
	if err := w.lines("Attempting an operation that will fail."); err != nil {
		return err
	}
	return errMockFailure
}

// scenarioHang writes a window and then blocks until signalled. With
// --ignore-term only SIGKILL ends it.
func scenarioHang(cfg mockConfig, w *mockWriter) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	if err := w.lines(`WINDOW NEW → id: spinner, title: "Working", size: sm`); err != nil {
		return err
	}
	for sig := range sigCh {
		if cfg.ignoreTerm {
			continue
		}
		return fmt.Errorf("mock received %s", sig)
	}
	return nil
}
