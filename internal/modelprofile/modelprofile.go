// Package modelprofile maps an Upstream model id to the thinking-tag
// protocol it uses, so internal/thinking knows which literal tags to look
// for and whether a model emits a thinking region at all.
package modelprofile

import "egobackend/internal/models"

var profiles = map[string]models.ModelProfile{
	"gpt-oss": {
		ModelID:          "gpt-oss",
		SupportsThinking: true,
		ThinkStart:       "<think>",
		ThinkEnd:         "</think>",
		ResponseStart:    "<response>",
		ResponseEnd:      "</response>",
		GPTOSSStyle:      true,
	},
	"deepseek-r1": {
		ModelID:          "deepseek-r1",
		SupportsThinking: true,
		ThinkStart:       "<think>",
		ThinkEnd:         "</think>",
	},
	"qwq-32b": {
		ModelID:          "qwq-32b",
		SupportsThinking: true,
		ThinkStart:       "<think>",
		ThinkEnd:         "</think>",
	},
}

// defaultProfile has SupportsThinking false, meaning the parser runs as a
// pure passthrough.
var defaultProfile = models.ModelProfile{SupportsThinking: false}

// Lookup returns the profile for modelID, or a non-thinking passthrough
// profile if the model is unknown.
func Lookup(modelID string) models.ModelProfile {
	if p, ok := profiles[modelID]; ok {
		return p
	}
	p := defaultProfile
	p.ModelID = modelID
	return p
}
