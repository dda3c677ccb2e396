package main

import (
	"fmt"
	"os"

	"crashmill/common/format/crash"
	"crashmill/processor/metrics"
	"crashmill/processor/pipeline"
	"crashmill/processor/rules"
	"crashmill/processor/schema"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type processOptions struct {
	raw             string
	processed       string
	dumps           map[string]string
	ruleset         string
	stackwalker     string
	symbolsUrls     []string
	symbolCachePath string
	symbolTmpPath   string
	schemaDir       string
	versionApi      string
	tmpPath         string
}

var processFlags processOptions

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run a ruleset locally over a raw crash file and its dumps",
	RunE:  runProcess,
}

func init() {
	f := processCmd.Flags()
	f.StringVar(&processFlags.raw, "raw", "", "Raw crash JSON file (required)")
	f.StringVar(&processFlags.processed, "processed", "", "Previous processed crash JSON file")
	f.StringToStringVar(&processFlags.dumps, "dump", nil, "Dump as name=path, repeatable")
	f.StringVar(&processFlags.ruleset, "ruleset", rules.DefaultRuleset, "Ruleset to run")
	f.StringVar(&processFlags.stackwalker, "stackwalker", "minidump-stackwalk", "Stackwalker command path")
	f.StringSliceVar(&processFlags.symbolsUrls, "symbols-url", nil, "Symbols server url, repeatable")
	f.StringVar(&processFlags.symbolCachePath, "symbols-cache", "", "Symbols cache directory")
	f.StringVar(&processFlags.symbolTmpPath, "symbols-tmp", "", "Symbols download directory")
	f.StringVar(&processFlags.schemaDir, "schema-dir", "", "Directory with schema documents")
	f.StringVar(&processFlags.versionApi, "version-api", "", "Version string API url")
	f.StringVar(&processFlags.tmpPath, "tmp", os.TempDir(), "Temporary directory")

	_ = processCmd.MarkFlagRequired("raw")
}

func runProcess(cmd *cobra.Command, _ []string) error {
	processed, sink, err := processFile(processFlags, rules.ExecCommander{})
	if err != nil {
		return err
	}

	for _, exc := range sink.CapturedExceptions() {
		log.WithField("rule", exc.Extra["rule"]).WithError(exc.Err).Warning("Rule failed")
	}

	out, err := crash.SpacedJson(processed)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

func readDocument(path string) (crash.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return crash.FromJson(data)
}

// processFile runs the pipeline once with metrics kept in memory.
func processFile(opts processOptions, commander rules.Commander) (crash.Document, *metrics.Recorder, error) {
	raw, err := readDocument(opts.raw)
	if err != nil {
		return nil, nil, fmt.Errorf("read raw crash: %w", err)
	}
	var processed crash.Document
	if len(opts.processed) != 0 {
		processed, err = readDocument(opts.processed)
		if err != nil {
			return nil, nil, fmt.Errorf("read processed crash: %w", err)
		}
	}

	var s schema.Schema
	if len(opts.schemaDir) != 0 {
		s, err = schema.Dir(opts.schemaDir).LoadResolved(schema.ProcessedCrash)
		if err != nil {
			return nil, nil, err
		}
	}

	sink := metrics.NewRecorder()
	rulesets, err := rules.NewRulesets(rules.Config{
		Schema: s,
		Stackwalk: rules.StackwalkConfig{
			CommandPath:     opts.stackwalker,
			SymbolsUrls:     opts.symbolsUrls,
			SymbolCachePath: opts.symbolCachePath,
			SymbolTmpPath:   opts.symbolTmpPath,
		},
		Commander:        commander,
		VersionStringApi: opts.versionApi,
		Sink:             sink,
	})
	if err != nil {
		return nil, nil, err
	}

	p := pipeline.New(rulesets,
		pipeline.WithHostId("cli"),
		pipeline.WithTmpPath(opts.tmpPath),
		pipeline.WithSink(sink))
	defer p.Close()

	return p.ProcessCrash(opts.ruleset, raw, opts.dumps, processed), sink, nil
}
