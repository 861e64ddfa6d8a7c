package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-crawler/mbox"
	"github.com/dhcgn/mail-crawler/model"
	"github.com/dhcgn/mail-crawler/progress"
	"github.com/dhcgn/mail-crawler/rules"
	"github.com/dhcgn/mail-crawler/stats"
)

const (
	reportBounceType = "Bounce-Type"
	reportRecipient  = "Recipient"
	reportFrom       = "From"
	reportSubject    = "Subject"
)

var reportNames = []string{reportBounceType, reportRecipient, reportFrom, reportSubject}

type classifyOptions struct {
	reportDir     string
	topN          int
	bounceRules   []string
	identifyRules []string
	showProgress  bool
}

// classification is the outcome of running both rule chains over an mbox.
type classification struct {
	Messages    int
	ParseErrors int
	RuleErrors  int
	Bounces     int
	Identified  int
	Counter     map[string]map[string]int
	// RuleHits counts matches per rule name over both chains.
	RuleHits map[string]int
}

func newClassification() *classification {
	c := &classification{
		Counter:  make(map[string]map[string]int),
		RuleHits: make(map[string]int),
	}
	for _, name := range reportNames {
		c.Counter[name] = make(map[string]int)
	}
	return c
}

func newClassifyCmd() *cobra.Command {
	opts := classifyOptions{}

	cmd := &cobra.Command{
		Use:   "classify [mbox file]",
		Short: "Run the bounce rules over an mbox file and show statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mboxPath := args[0]
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "Classifying mbox file:", mboxPath)

			bounce, identify, err := resolveChains(rules.DefaultRegistry(), opts.bounceRules, opts.identifyRules)
			if err != nil {
				return err
			}

			total := 0
			if opts.showProgress {
				if total, err = mbox.CountMessages(mboxPath); err != nil {
					return fmt.Errorf("count messages: %w", err)
				}
			}
			bar := progress.New(total, "Classifying messages", opts.showProgress)

			file, err := os.Open(mboxPath)
			if err != nil {
				return fmt.Errorf("open mbox: %w", err)
			}
			defer file.Close()

			result, err := classify(file, bounce, identify, bar)
			bar.Stop()
			if err != nil {
				return fmt.Errorf("error reading mbox file: %w", err)
			}

			printClassification(out, result, append(bounce.Names(), identify.Names()...), opts.topN)

			if err := saveCSVReports(result.Counter, reportNames, opts.reportDir, 1000); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(out, "\nReports saved to directory: %s\n", opts.reportDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.reportDir, "output", "o", ".", "Output directory for CSV reports")
	cmd.Flags().IntVarP(&opts.topN, "top", "t", 10, "Number of top items to display in statistics")
	cmd.Flags().StringSliceVar(&opts.bounceRules, "bounce-rules", nil, "Bounce-type rule names in evaluation order (default: built-in order)")
	cmd.Flags().BoolVar(&opts.showProgress, "progress", true, "Show a progress bar")
	cmd.Flags().StringSliceVar(&opts.identifyRules, "identify-rules", nil, "Identification rule names in evaluation order (default: built-in order)")
	return cmd
}

func resolveChains(reg *rules.Registry, bounceNames, identifyNames []string) (rules.Chain, rules.Chain, error) {
	if len(bounceNames) == 0 {
		bounceNames = rules.DefaultBounceRules()
	}
	if len(identifyNames) == 0 {
		identifyNames = rules.DefaultIdentifyRules()
	}
	bounce, err := reg.Chain(bounceNames...)
	if err != nil {
		return nil, nil, fmt.Errorf("bounce rules: %w", err)
	}
	identify, err := reg.Chain(identifyNames...)
	if err != nil {
		return nil, nil, fmt.Errorf("identify rules: %w", err)
	}
	return bounce, identify, nil
}

// classify evaluates both chains against every message read from r.
func classify(r io.Reader, bounce, identify rules.Chain, bar *progress.Bar) (*classification, error) {
	c := newClassification()

	err := mbox.ReadFrom(r, func(idx int, raw []byte) error {
		c.Messages++
		m, err := model.ParseMail(raw)
		if err != nil {
			c.ParseErrors++
			bar.Fail(fmt.Errorf("message %d: %w", idx, err))
			bar.Step("")
			return nil
		}
		bar.Step(m.Subject())

		if from := m.From(); from != nil {
			c.Counter[reportFrom][from.Address]++
		}
		if subject := m.Subject(); subject != "" {
			c.Counter[reportSubject][subject]++
		}

		res, err := rules.Evaluate(bounce, m)
		switch {
		case err != nil:
			c.RuleErrors++
		case res.Matched():
			c.Bounces++
			c.RuleHits[res.Rule]++
			c.Counter[reportBounceType][res.Tag]++
		}

		res, err = rules.Evaluate(identify, m)
		switch {
		case err != nil:
			c.RuleErrors++
		case res.Matched():
			c.Identified++
			c.RuleHits[res.Rule]++
			c.Counter[reportRecipient][res.Tag]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func printClassification(w io.Writer, c *classification, ruleNames []string, topN int) {
	fmt.Fprintf(w, "Processed %d messages (%d unparseable, %d rule errors)\n", c.Messages, c.ParseErrors, c.RuleErrors)
	fmt.Fprintf(w, "Bounce type detected: %d, recipient identified: %d\n\n", c.Bounces, c.Identified)

	fmt.Fprintln(w, "Rule hits:")
	printRuleHits(w, ruleNames, c.RuleHits)
	fmt.Fprintln(w)

	for _, name := range reportNames {
		fmt.Fprintf(w, "Top %d %s:\n", topN, name)
		stats.PrintTop(w, c.Counter[name], topN)
		fmt.Fprintln(w)
	}
}

func printRuleHits(w io.Writer, names []string, hits map[string]int) {
	type pair struct {
		Name  string
		Count int
	}
	var pairs []pair
	for _, name := range names {
		pairs = append(pairs, pair{name, hits[name]})
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].Count != pairs[j].Count {
			return pairs[i].Count > pairs[j].Count
		}
		return pairs[i].Name < pairs[j].Name
	})

	for _, p := range pairs {
		if p.Count > 0 {
			fmt.Fprintf(w, "  ✓ %s: %d hits\n", p.Name, p.Count)
		} else {
			fmt.Fprintf(w, "  ✗ %s: 0 hits\n", p.Name)
		}
	}
}

func saveCSVReports(counter map[string]map[string]int, names []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, name := range names {
		counts := counter[name]

		filename := fmt.Sprintf("report_%s.csv", normalizeReportName(name))
		file, err := os.Create(filepath.Join(dir, filename))
		if err != nil {
			return err
		}

		writer := csv.NewWriter(file)
		if err := writer.Write([]string{"Value", "Count"}); err != nil {
			file.Close()
			return err
		}

		type pair struct {
			Key   string
			Value int
		}
		var pairs []pair
		for k, v := range counts {
			pairs = append(pairs, pair{k, v})
		}
		sort.Slice(pairs, func(i, j int) bool {
			if pairs[i].Value != pairs[j].Value {
				return pairs[i].Value > pairs[j].Value
			}
			return pairs[i].Key < pairs[j].Key
		})

		for i := 0; i < limit && i < len(pairs); i++ {
			if err := writer.Write([]string{pairs[i].Key, strconv.Itoa(pairs[i].Value)}); err != nil {
				file.Close()
				return err
			}
		}

		writer.Flush()
		file.Close()

		if err := writer.Error(); err != nil {
			return err
		}
	}

	return nil
}

func normalizeReportName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
