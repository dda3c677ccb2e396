package main

import (
	"context"
	"fmt"
	"io"

	"crashmill/common/data/base"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var removeFlags struct {
	older    string
	url      string
	index    string
	size     int
	showOnly bool
}

var removeCmd = &cobra.Command{
	Use:     "remove",
	Aliases: []string{"rm"},
	Short:   "Remove processed crashes older than a given age",
	RunE:    runRemove,
}

func init() {
	f := removeCmd.Flags()
	f.StringVar(&removeFlags.older, "older", "16d", "Elastic date math age, e.g. 16d or 12h")
	f.StringVar(&removeFlags.url, "url", "http://127.0.0.1:9200", "Elastic url")
	f.StringVar(&removeFlags.index, "index", "crashmill", "Elastic index")
	f.IntVar(&removeFlags.size, "count", 1000, "Max crashes to remove")
	f.BoolVar(&removeFlags.showOnly, "show_only", false, "List crashes without removing them")
}

type crashRemover interface {
	FindOlder(ctx context.Context, older string, size int) ([]base.CrashSummary, error)
	DeleteCrash(ctx context.Context, crashId string) error
}

func runRemove(cmd *cobra.Command, _ []string) error {
	rep, err := base.NewRepository(removeFlags.url, removeFlags.index)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
			"url":   removeFlags.url,
		}).Error("Can't create ElasticSearch client")
		return err
	}

	n, err := removeCrashes(cmd.Context(), cmd.OutOrStdout(), rep, removeFlags.older, removeFlags.size, removeFlags.showOnly)
	if err != nil {
		return err
	}
	if !removeFlags.showOnly {
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s crashes\n", humanize.Comma(int64(n)))
	}
	return nil
}

// removeCrashes deletes or lists the crashes found and returns how many
// were removed.
func removeCrashes(ctx context.Context, out io.Writer, rep crashRemover, older string, size int, showOnly bool) (int, error) {
	crashes, err := rep.FindOlder(ctx, older, size)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, s := range crashes {
		if showOnly {
			fmt.Fprintf(out, "%s\t%s\t%s %s\t%s\n", s.CrashId, s.DateProcessed, s.Product, s.Version, s.Signature)
			continue
		}

		if err := rep.DeleteCrash(ctx, s.CrashId); err != nil {
			log.WithFields(log.Fields{
				"error":    err,
				"crash_id": s.CrashId,
			}).Error("Can't remove crash")
			return removed, err
		}
		removed++
		log.WithFields(log.Fields{
			"crash_id":  s.CrashId,
			"signature": s.Signature,
		}).Debug("Removed crash")
	}
	return removed, nil
}
