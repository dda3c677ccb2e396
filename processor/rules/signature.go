package rules

import (
	"strings"

	"crashmill/processor/metrics"
	"crashmill/processor/pipeline"
	"crashmill/processor/signature"
)

// SignatureGeneratorRule generates the crash signature.
type SignatureGeneratorRule struct {
	pipeline.Base
	generator *signature.Generator
}

// NewSignatureGeneratorRule reports signature rule failures to sink.
func NewSignatureGeneratorRule(sink metrics.Sink) *SignatureGeneratorRule {
	if sink == nil {
		sink = metrics.Nop{}
	}
	onError := func(data *signature.CrashData, err error, extra map[string]string) {
		tags := make(map[string]string, len(extra)+1)
		for k, v := range extra {
			tags[k] = v
		}
		tags["uuid"] = data.CrashId
		sink.CaptureException(err, tags)
	}
	return &SignatureGeneratorRule{generator: signature.NewGenerator(nil, onError)}
}

func (*SignatureGeneratorRule) Name() string { return "SignatureGeneratorRule" }

func (r *SignatureGeneratorRule) Action(c *pipeline.Crash) error {
	result := r.generator.Generate(signature.NewCrashData(c.Processed))

	c.Processed["signature"] = result.Signature
	if proto, ok := result.Extra["proto_signature"]; ok {
		c.Processed["proto_signature"] = proto
	}
	c.Processed["signature_debug"] = strings.Join(result.DebugLog, "\n")
	c.Status.AddMany(result.Notes...)
	return nil
}
