package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/alarm-engine/internal/config"
	domain "github.com/oshokin/alarm-engine/internal/domain/alarm"
	"github.com/oshokin/alarm-engine/internal/logger"
	"github.com/oshokin/alarm-engine/internal/service/common"
)

// Options configures how alarm-watch reaches the engine.
type Options struct {
	// ConfigPath to YAML settings file, defaults to standard filename if empty.
	ConfigPath string
	// Address overrides the engine gRPC address from config when specified.
	Address string
	// Output receives tables and event lines; os.Stdout when nil.
	Output io.Writer
}

// errRuleFileRequired is returned when create is called without a rule file.
var errRuleFileRequired = errors.New("rule file must be provided")

// Follow prints every activation and deactivation until ctx is cancelled.
func Follow(ctx context.Context, opts *Options) error {
	return withClient(ctx, opts, func(client *common.Client, out io.Writer) error {
		logger.Info(ctx, "Watching engine events")

		err := client.WatchEvents(ctx, func(event domain.Event) {
			_, _ = fmt.Fprintln(out, FormatEvent(event))
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})
}

// Active prints the ids of currently active rules.
func Active(ctx context.Context, opts *Options) error {
	return withClient(ctx, opts, func(client *common.Client, out io.Writer) error {
		ids, err := client.ActiveRuleIDs(ctx)
		if err != nil {
			return err
		}

		for _, id := range ids {
			_, _ = fmt.Fprintln(out, id)
		}

		return nil
	})
}

// Rules prints every rule with its phase.
func Rules(ctx context.Context, opts *Options) error {
	return withClient(ctx, opts, func(client *common.Client, out io.Writer) error {
		rules, err := client.ListRules(ctx)
		if err != nil {
			return err
		}

		table := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(table, "ID\tNAME\tCONDITION\tWAIT\tPHASE\tLAST VALUE")

		for _, rule := range rules {
			lastValue := "-"
			if rule.LastValue != nil {
				lastValue = strconv.FormatFloat(*rule.LastValue, 'f', -1, 64)
			}

			_, _ = fmt.Fprintf(table, "%s\t%s\t%s %s %s\t%s\t%s\t%s\n",
				rule.ID, rule.Name, rule.Variable, rule.Operator,
				strconv.FormatFloat(rule.Threshold, 'f', -1, 64),
				rule.WaitTime(), rule.Phase, lastValue)
		}

		return table.Flush()
	})
}

// History prints the activation history.
func History(ctx context.Context, opts *Options) error {
	return withClient(ctx, opts, func(client *common.Client, out io.Writer) error {
		records, err := client.ListActivations(ctx)
		if err != nil {
			return err
		}

		table := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(table, "TIME\tRULE\tDEVICE\tVARIABLE\tVALUE")

		for _, record := range records {
			rule := record.RuleName
			if rule == "" {
				rule = record.RuleID
			}

			_, _ = fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\n",
				record.Timestamp.Format(time.RFC3339), rule, record.Device, record.Variable,
				strconv.FormatFloat(record.Value, 'f', -1, 64))
		}

		return table.Flush()
	})
}

// Create reads a rule from a YAML or JSON file and creates it.
func Create(ctx context.Context, opts *Options, path string) error {
	if path == "" {
		return errRuleFileRequired
	}

	rule, err := ReadRule(path)
	if err != nil {
		return err
	}

	return withClient(ctx, opts, func(client *common.Client, out io.Writer) error {
		created, err := client.CreateRule(ctx, rule)
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintf(out, "Rule %q created with id %s\n", created.Name, created.ID)

		return nil
	})
}

// Delete removes a rule; confirmation must match the engine's phrase.
func Delete(ctx context.Context, opts *Options, ruleID, confirmation string) error {
	return withClient(ctx, opts, func(client *common.Client, out io.Writer) error {
		if err := client.DeleteRule(ctx, ruleID, confirmation); err != nil {
			return err
		}

		_, _ = fmt.Fprintf(out, "Rule %s deleted\n", ruleID)

		return nil
	})
}

// ruleFile is the on-disk form of a rule; keys follow the backend's JSON names.
type ruleFile struct {
	Name            string  `yaml:"name"`
	DeviceTopic     string  `yaml:"deviceTopic"`
	Subtopic        string  `yaml:"subtopic"`
	Variable        string  `yaml:"variable"`
	Operator        string  `yaml:"operator"`
	Value           float64 `yaml:"value"`
	Threshold       float64 `yaml:"threshold"`
	WaitTimeSeconds int     `yaml:"waitTime"`
	Severity        string  `yaml:"severity"`
}

// ReadRule parses a rule from a YAML file; JSON files parse as YAML too.
func ReadRule(path string) (domain.Rule, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return domain.Rule{}, fmt.Errorf("read rule file: %w", err)
	}

	var file ruleFile
	if err = yaml.Unmarshal(contents, &file); err != nil {
		return domain.Rule{}, fmt.Errorf("parse rule file: %w", err)
	}

	rule := domain.Rule{
		Name:             file.Name,
		DeviceTopic:      file.DeviceTopic,
		Subtopic:         file.Subtopic,
		Variable:         file.Variable,
		Operator:         domain.Operator(file.Operator),
		Threshold:        file.Value,
		ThresholdPercent: file.Threshold,
		WaitTimeSeconds:  file.WaitTimeSeconds,
		Severity:         file.Severity,
	}

	if err = rule.Validate(); err != nil {
		return domain.Rule{}, err
	}

	return rule, nil
}

// FormatEvent renders an event as one log-like line.
func FormatEvent(event domain.Event) string {
	name := event.RuleName
	if name == "" {
		name = event.RuleID
	}

	line := fmt.Sprintf("%s %-12s %s (%s) %s=%s",
		event.Timestamp.Format(time.RFC3339), event.Kind, name, event.RuleID,
		event.Variable, strconv.FormatFloat(event.Value, 'f', -1, 64))

	if event.Severity != "" {
		line += " [" + event.Severity + "]"
	}

	return line
}

// withClient loads settings, dials the engine and runs fn.
func withClient(ctx context.Context, opts *Options, fn func(*common.Client, io.Writer) error) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "alarm-watch")

	address := opts.Address
	timeout := config.DefaultTimeout

	if address == "" {
		cfg, err := config.Load(opts.ConfigPath)
		if err != nil {
			return err
		}

		address, timeout = cfg.GRPCAddress, cfg.Timeout
	}

	clientOptions := []common.Option{common.WithCallTimeout(timeout)}

	// Identify current user and hostname for the engine's audit log.
	if actor, err := common.DetectActor(); err == nil {
		clientOptions = append(clientOptions, common.WithActor(actor))
	} else {
		logger.WarnKV(ctx, "Unable to detect local user", "error", err)
	}

	client, err := common.Dial(ctx, address, clientOptions...)
	if err != nil {
		return err
	}

	// Close connection on function exit.
	defer func() {
		_ = client.Close()
	}()

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	return fn(client, out)
}
