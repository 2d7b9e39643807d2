package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/medmesh"
	"github.com/hupe1980/medmesh/registry"
)

var cardsJSON bool

var cardsCmd = &cobra.Command{
	Use:   "cards",
	Short: "Resolve and print the configured specialist agent cards",
	RunE:  runCards,
}

func init() {
	cardsCmd.Flags().BoolVar(&cardsJSON, "json", false, "print the raw cards as JSON")
}

func runCards(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg := registry.New(cfg.AgentURLs(), func(o *registry.Options) {
		o.TTL = cfg.Registry.TTL
		o.FetchTimeout = cfg.Registry.FetchTimeout
		o.Logger = medmesh.NewLogger(cfg.Logging)
	})
	defer reg.Close()

	return writeCards(cmd.Context(), cmd.OutOrStdout(), reg, cfg.AgentURLs(), cardsJSON)
}

// writeCards prints one row per configured agent, marking the ones whose
// card could not be resolved.
func writeCards(ctx context.Context, w io.Writer, reg *registry.Registry, endpoints map[string]string, asJSON bool) error {
	resolved := reg.Cards(ctx)

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		cards := make([]any, 0, len(resolved))
		for _, res := range resolved {
			cards = append(cards, res.Card)
		}
		return enc.Encode(cards)
	}

	byID := make(map[string]registry.Resolution, len(resolved))
	for _, res := range resolved {
		byID[res.Card.AgentID] = res
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tNAME\tSKILLS\tURL")
	for _, id := range reg.AgentIDs() {
		res, ok := byID[id]
		if !ok {
			fmt.Fprintf(tw, "%s\t(unavailable)\t-\t%s\n", id, endpoints[id])
			continue
		}
		name := res.Card.Name
		if res.Stale {
			name += " (stale)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, name, strings.Join(res.Card.SkillIDs(), ","), endpoints[id])
	}
	return tw.Flush()
}
