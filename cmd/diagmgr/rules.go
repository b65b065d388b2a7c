package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
)

func runRules(args []string) error {
	fs := flag.NewFlagSet("rules", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	verbose := fs.Bool("verbose", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(*configPath, "", *verbose)
	if err != nil {
		return err
	}
	defer a.close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Version", "Category", "Severity", "Enabled", "Actions", "Name"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, rule := range a.kernel.Rules() {
		table.Append([]string{
			rule.ID,
			rule.Version,
			string(rule.Category),
			colorSeverity(rule.Severity),
			fmt.Sprintf("%t", rule.Enabled),
			fmt.Sprintf("%d", len(rule.Actions)),
			rule.Name,
		})
	}
	table.Render()
	return nil
}
