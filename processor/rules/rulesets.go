// Package rules contains the transform rules of the crash processing pipeline
package rules

import (
	"net/http"

	"crashmill/common/data/base"
	"crashmill/processor/metrics"
	"crashmill/processor/pipeline"
	"crashmill/processor/schema"
)

const (
	DefaultRuleset             = "default"
	RegenerateSignatureRuleset = "regenerate_signature"
)

// Config holds what the rules need from outside.
type Config struct {
	// Resolved processed crash schema; the embedded one when nil
	Schema           schema.Schema
	Stackwalk        StackwalkConfig
	// the jit categorizer runs only when Jit.CommandPath is set
	Jit              JitConfig
	Commander        Commander
	VersionStringApi string
	Cache            base.Cache
	HttpClient       *http.Client
	Sink             metrics.Sink
}

// NewRulesets builds the default and regenerate_signature rulesets.
func NewRulesets(cfg Config) (pipeline.Rulesets, error) {
	if cfg.Sink == nil {
		cfg.Sink = metrics.Nop{}
	}
	if cfg.Schema == nil {
		s, err := schema.Default().LoadResolved(schema.ProcessedCrash)
		if err != nil {
			return nil, err
		}
		cfg.Schema = s
	}

	stackwalk, err := NewMinidumpStackwalkRule(cfg.Stackwalk, cfg.Commander, cfg.Sink)
	if err != nil {
		return nil, err
	}
	signatureRule := NewSignatureGeneratorRule(cfg.Sink)

	dumpField := cfg.Stackwalk.DumpField
	if dumpField == "" {
		dumpField = DefaultDumpField
	}

	defaultRules := []pipeline.Rule{
		// fix the raw crash
		DeNullRule{},
		DeNoneRule{},
		ConvertModuleSignatureInfoRule{},
		SubmittedFromInfobarFixRule{},
		PluginContentURL{},
		PluginUserComment{},
		FenixVersionRewriteRule{},
		ESRVersionRewrite{},

		// annotations and minidumps
		NewCopyFromRawCrashRule(cfg.Schema),
		SubmittedFromRule{},
		IdentifierRule{},
		&MinidumpSha256Rule{DumpField: dumpField},
		stackwalk,
		ModuleURLRewriteRule{},
		TruncateStacksRule{},
		CrashingThreadInfoRule{},

		ProductRule{},
		MajorVersionRule{},
		UserDataRule{},
		EnvironmentRule{},
		ProcessTypeRule{},
		PluginRule{},
		HangTypeRule{},
		JavaProcessRule{},
		AddonsRule{},
		DatesAndTimesRule{},
		OutOfMemoryBinaryRule{},
		PHCRule{},
		NewBreadcrumbsRule(cfg.Schema),
		MacCrashInfoRule{},
		MozCrashReasonRule{},

		// derived values
		CPUInfoRule{},
		OSInfoRule{},
		DistributionIDRule{},
		NewBetaVersionRule(cfg.VersionStringApi, cfg.Cache, cfg.HttpClient, cfg.Sink),
		ExploitabilityRule{},
		OSPrettyVersionRule{},
		TopMostFilesRule{},
		ThemePrettyNameRule{},
		ModulesInStackRule{},
		ReportTypeRule{},
		MemoryReportExtraction{},

		signatureRule,
	}
	if cfg.Jit.CommandPath != "" {
		defaultRules = append(defaultRules, NewJitCrashCategorizeRule(cfg.Jit, dumpField, cfg.Commander))
	}

	return pipeline.Rulesets{
		DefaultRuleset: defaultRules,
		RegenerateSignatureRuleset: {
			signatureRule,
		},
	}, nil
}
