package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/orch/internal/models"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "orch"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage orch configuration.

Every key can also be set through the environment: upper-case it, replace
dots with underscores and prefix ORCH_ (tasks.max_attempts is
ORCH_TASKS_MAX_ATTEMPTS).

Running bare 'orch config' is the same as 'orch config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration, its sources and the model per tier",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configCheckRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR, creating it first if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configCheckCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# orch configuration
# See: orch config show (for effective values and sources)

# State/data directory (default: ~/.config/orch)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/orch/orch.db)
# db_path: {{ .DBPath }}

# HTTP API port for 'orch serve'
port: {{ .Port }}

# Task defaults
tasks:
  # Attempts a task gets before it fails permanently (default: 3)
  max_attempts: {{ .MaxAttempts }}

# Agent settings used by 'orch run'
agent:
  # Agent CLI to execute tasks with (default: "claude")
  command: "{{ .AgentCommand }}"

  # Model passed to the agent CLI
  model: "{{ .AgentModel }}"

  # Space-separated tools the agent may use
  allowed_tools: "{{ .AllowedTools }}"

  # How long to wait before re-checking tasks claimed by other runners
  poll_interval: "{{ .PollInterval }}"

  # Per-tier model overrides ({{ .Tiers }})
  # tier_models:
  #   quick: haiku
  #   deep: opus

# Anthropic API settings used by 'orch plan'
anthropic:
  # API key (prefer ORCH_ANTHROPIC_API_KEY)
  # api_key: ""
  model: "{{ .AnthropicModel }}"
`

type configTemplateData struct {
	StateDir       string
	DBPath         string
	Port           int
	MaxAttempts    int
	AgentCommand   string
	AgentModel     string
	AllowedTools   string
	PollInterval   string
	Tiers          string
	AnthropicModel string
}

func configFilePath() (string, error) {
	if f := viper.ConfigFileUsed(); f != "" {
		return f, nil
	}
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// renderConfig fills the config template from the effective viper values.
func renderConfig() ([]byte, error) {
	tiers := make([]string, len(models.Tiers))
	for i, t := range models.Tiers {
		tiers[i] = string(t)
	}
	data := configTemplateData{
		StateDir:       viper.GetString("state_dir"),
		DBPath:         viper.GetString("db_path"),
		Port:           viper.GetInt("port"),
		MaxAttempts:    viper.GetInt("tasks.max_attempts"),
		AgentCommand:   viper.GetString("agent.command"),
		AgentModel:     viper.GetString("agent.model"),
		AllowedTools:   viper.GetString("agent.allowed_tools"),
		PollInterval:   viper.GetString("agent.poll_interval"),
		Tiers:          strings.Join(tiers, ", "),
		AnthropicModel: viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render config template: %w", err)
	}
	return buf.Bytes(), nil
}

func writeConfigFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	data, err := renderConfig()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, string(data))
		return nil
	}

	if err := writeConfigFile(cfgPath, data); err != nil {
		return err
	}
	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, string(data))
	return nil
}

// configSection groups keys for display.
type configSection struct {
	Title string
	Keys  []string
}

var configSections = []configSection{
	{Title: "Storage", Keys: []string{"state_dir", "db_path"}},
	{Title: "Server", Keys: []string{"port"}},
	{Title: "Tasks", Keys: []string{"tasks.max_attempts"}},
	{Title: "Agent", Keys: []string{"agent.command", "agent.model", "agent.allowed_tools", "agent.poll_interval", "agent.work_dir"}},
	{Title: "Planner", Keys: []string{"anthropic.api_key", "anthropic.model"}},
}

var secretKeys = []string{"anthropic.api_key"}

// envVar returns the environment variable viper reads key from.
func envVar(key string) string {
	return "ORCH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// knownKey reports whether key is one orch reads. tier_models entries are
// open-ended and checked separately.
func knownKey(key string) bool {
	if strings.HasPrefix(key, "agent.tier_models.") {
		return true
	}
	for _, s := range configSections {
		if slices.Contains(s.Keys, key) {
			return true
		}
	}
	return false
}

// fileKeys returns the keys set in the config file at path, flattened to
// dot notation.
func fileKeys(path string) map[string]bool {
	keys := make(map[string]bool)
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return keys
	}
	for _, k := range v.AllKeys() {
		keys[k] = true
	}
	return keys
}

// sourceOf determines where the effective value of key comes from.
func sourceOf(key string, inFile map[string]bool) string {
	if _, ok := os.LookupEnv(envVar(key)); ok {
		return "env " + envVar(key)
	}
	if inFile[key] {
		return "file"
	}
	return "default"
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	inFile := fileKeys(cfgPath)

	for _, s := range configSections {
		fmt.Fprintf(ui.Out, "\n%s\n", s.Title)
		table := ui.Table([]string{"Key", "Value", "Source"})
		for _, key := range s.Keys {
			val := viper.GetString(key)
			if slices.Contains(secretKeys, key) {
				val = maskSecret(val)
			}
			_ = table.Append([]string{key, val, sourceOf(key, inFile)})
		}
		_ = table.Render()
	}

	fmt.Fprintf(ui.Out, "\nModels by tier\n")
	cfg := executorConfig()
	table := ui.Table([]string{"Tier", "Model", "Source"})
	for _, tier := range models.Tiers {
		source := "agent.model"
		if cfg.TierModels[tier] != "" {
			source = "agent.tier_models." + string(tier)
		}
		_ = table.Append([]string{string(tier), cfg.ModelFor(tier), source})
	}
	_ = table.Render()

	if problems := configProblems(inFile); len(problems) > 0 {
		fmt.Fprintln(ui.Out)
		for _, p := range problems {
			ui.Warning("%s", p)
		}
	}
	return nil
}

// configProblems lists values orch would reject or ignore.
func configProblems(inFile map[string]bool) []string {
	var problems []string

	if n := viper.GetInt("tasks.max_attempts"); n < 1 {
		problems = append(problems, fmt.Sprintf("tasks.max_attempts must be at least 1, got %d", n))
	}
	if p := viper.GetInt("port"); p < 1 || p > 65535 {
		problems = append(problems, fmt.Sprintf("port %d is out of range", p))
	}
	if raw := viper.GetString("agent.poll_interval"); raw != "" {
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("agent.poll_interval %q is not a positive duration", raw))
		}
	}
	if cmd := viper.GetString("agent.command"); cmd == "" {
		problems = append(problems, "agent.command is empty")
	} else if _, err := exec.LookPath(cmd); err != nil {
		problems = append(problems, fmt.Sprintf("agent.command %q not found in PATH", cmd))
	}
	for tier := range viper.GetStringMapString("agent.tier_models") {
		if !models.Tier(tier).Valid() {
			problems = append(problems, fmt.Sprintf("agent.tier_models: unknown tier %q", tier))
		}
	}

	var unknown []string
	for key := range inFile {
		if !knownKey(key) {
			unknown = append(unknown, key)
		}
	}
	slices.Sort(unknown)
	for _, key := range unknown {
		problems = append(problems, fmt.Sprintf("unknown key %q in config file", key))
	}
	return problems
}

func configCheckRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	problems := configProblems(fileKeys(cfgPath))
	if len(problems) == 0 {
		ui.Success("Configuration OK")
		return nil
	}
	for _, p := range problems {
		ui.Error("%s", p)
	}
	return fmt.Errorf("%d configuration problems", len(problems))
}

// maskSecret keeps only the last four characters of a secret.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	_, statErr := os.Stat(cfgPath)
	missing := os.IsNotExist(statErr)

	if dryRun {
		if missing {
			ui.DryRunMsg("Would create %s", cfgPath)
		}
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	if missing {
		data, err := renderConfig()
		if err != nil {
			return err
		}
		if err := writeConfigFile(cfgPath, data); err != nil {
			return err
		}
		ui.Info("Created %s", cfgPath)
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	if err := editCmd.Run(); err != nil {
		return fmt.Errorf("run %s: %w", editor, err)
	}

	if err := viper.ReadInConfig(); err != nil {
		ui.Warning("Could not reload %s: %v", cfgPath, err)
		return nil
	}
	for _, p := range configProblems(fileKeys(cfgPath)) {
		ui.Warning("%s", p)
	}
	return nil
}
