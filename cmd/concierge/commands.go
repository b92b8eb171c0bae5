package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/concierge/internal/config"
)

// --- threads ---

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List conversation threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/threads")
		if err != nil {
			return err
		}
		var threads []struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			UpdatedAt string `json:"updatedAt"`
		}
		if err := decodeJSON(resp, &threads); err != nil {
			return err
		}

		if len(threads) == 0 {
			fmt.Println("no threads")
			return nil
		}
		for _, t := range threads {
			fmt.Printf("%s  %s  %s\n", t.ID, t.UpdatedAt, t.Title)
		}
		return nil
	},
}

// --- skills ---

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "List configured skills",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/skills")
		if err != nil {
			return err
		}
		var skills []struct {
			ID     string `json:"ID"`
			Code   string `json:"Code"`
			Name   string `json:"Name"`
			Active bool   `json:"Active"`
		}
		if err := decodeJSON(resp, &skills); err != nil {
			return err
		}

		if len(skills) == 0 {
			fmt.Println("no skills")
			return nil
		}
		for _, s := range skills {
			state := "active"
			if !s.Active {
				state = "inactive"
			}
			fmt.Printf("%s  %-20s %-30s %s\n", s.ID, s.Code, s.Name, state)
		}
		return nil
	},
}

// --- connections ---

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "List tool connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/connections")
		if err != nil {
			return err
		}
		var conns []struct {
			ID     string `json:"ID"`
			Name   string `json:"Name"`
			Kind   string `json:"Kind"`
			Active bool   `json:"Active"`
		}
		if err := decodeJSON(resp, &conns); err != nil {
			return err
		}

		if len(conns) == 0 {
			fmt.Println("no connections")
			return nil
		}
		for _, c := range conns {
			state := "active"
			if !c.Active {
				state = "inactive"
			}
			fmt.Printf("%s  %-20s %-10s %s\n", c.ID, c.Name, c.Kind, state)
		}
		return nil
	},
}

// --- classify ---

var classifyCmd = &cobra.Command{
	Use:   "classify <message>",
	Short: "Classify a message's intent",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/classify", map[string]string{
			"message": strings.Join(args, " "),
		})
		if err != nil {
			return err
		}
		var result struct {
			Label      string  `json:"label"`
			Reason     string  `json:"reason"`
			Confidence float64 `json:"confidence"`
			Cached     bool    `json:"cached"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printStatus("Label", "%s", result.Label)
		printStatus("Confidence", "%.2f", result.Confidence)
		printStatus("Reason", "%s", result.Reason)
		if result.Cached {
			printStatus("Source", "cache")
		} else {
			printStatus("Source", "model")
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
