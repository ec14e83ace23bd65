// Package pipeline holds the stage graph. Every transition rule the
// coordinator applies is looked up here rather than spelled out in code.
package pipeline

import "github.com/kiranshivaraju/podcleaner/pkg/models"

// Topic names. Requests go to stage workers; completions come back.
const (
	TopicDownloadRequested   = "download.requested"
	TopicDownloadCompleted   = "download.completed"
	TopicTranscribeRequested = "transcribe.requested"
	TopicTranscribeCompleted = "transcribe.completed"
	TopicAdsRequested        = "ads.requested"
	TopicAdsCompleted        = "ads.completed"
	TopicProcessRequested    = "process.requested"
	TopicProcessCompleted    = "process.completed"
)

// Input names carried on work messages.
const (
	InputSourceURL     = "source_url"
	InputAudioRef      = "audio_ref"
	InputTranscriptRef = "transcript_ref"
	InputAdSegments    = "ad_segments"
)

// InputNames lists every input a work message can carry.
func InputNames() []string {
	return []string{InputSourceURL, InputAudioRef, InputTranscriptRef, InputAdSegments}
}

// Input is one value a worker needs. From is the working stage whose
// artifact supplies it; an empty From means the job's source URL.
type Input struct {
	Name string
	From models.Stage
}

// Step is one unit of outsourced work: the job enters Work when the
// request is published and Rest when a valid success completion arrives.
type Step struct {
	Work       models.Stage
	Rest       models.Stage
	Request    string
	Completion string
	Inputs     []Input
}

// Steps is the linear pipeline in execution order.
var Steps = []Step{
	{
		Work:       models.StageDownloading,
		Rest:       models.StageDownloaded,
		Request:    TopicDownloadRequested,
		Completion: TopicDownloadCompleted,
		Inputs:     []Input{{Name: InputSourceURL}},
	},
	{
		Work:       models.StageTranscribing,
		Rest:       models.StageTranscribed,
		Request:    TopicTranscribeRequested,
		Completion: TopicTranscribeCompleted,
		Inputs:     []Input{{Name: InputAudioRef, From: models.StageDownloading}},
	},
	{
		Work:       models.StageDetectingAds,
		Rest:       models.StageAdsDetected,
		Request:    TopicAdsRequested,
		Completion: TopicAdsCompleted,
		Inputs:     []Input{{Name: InputTranscriptRef, From: models.StageTranscribing}},
	},
	{
		Work:       models.StageProcessing,
		Rest:       models.StageCompleted,
		Request:    TopicProcessRequested,
		Completion: TopicProcessCompleted,
		Inputs: []Input{
			{Name: InputAudioRef, From: models.StageDownloading},
			{Name: InputAdSegments, From: models.StageDetectingAds},
		},
	},
}

var order = buildOrder()

func buildOrder() []models.Stage {
	stages := []models.Stage{models.StageQueued}
	for _, s := range Steps {
		stages = append(stages, s.Work, s.Rest)
	}
	return stages
}

// Order returns the non-terminal-failure stages in pipeline order.
func Order() []models.Stage {
	return append([]models.Stage(nil), order...)
}

// Position returns the index of s in pipeline order, or -1 for Failed,
// Cancelled and unknown stages.
func Position(s models.Stage) int {
	for i, o := range order {
		if o == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s, or "" when s is the last one.
func Next(s models.Stage) models.Stage {
	i := Position(s)
	if i < 0 || i+1 >= len(order) {
		return ""
	}
	return order[i+1]
}

// CanTransition reports whether a job in from may record an entry that
// leaves it in to. Staying put covers retries and audit entries.
func CanTransition(from, to models.Stage) bool {
	switch {
	case from == to:
		return true
	case from.Terminal():
		return false
	case to == models.StageFailed || to == models.StageCancelled:
		return true
	default:
		return Next(from) == to
	}
}

// IsWorking reports whether s waits on an external worker.
func IsWorking(s models.Stage) bool {
	_, ok := StepFor(s)
	return ok
}

// IsKnown reports whether s is a stage of this pipeline.
func IsKnown(s models.Stage) bool {
	return Position(s) >= 0 || s == models.StageFailed || s == models.StageCancelled
}

// StepFor returns the step whose working stage is work.
func StepFor(work models.Stage) (Step, bool) {
	for _, s := range Steps {
		if s.Work == work {
			return s, true
		}
	}
	return Step{}, false
}

// StepAfter returns the step dispatched when a job rests at rest.
func StepAfter(rest models.Stage) (Step, bool) {
	next := Next(rest)
	if next == "" || IsRest(next) {
		return Step{}, false
	}
	return StepFor(next)
}

// StepForCompletion returns the step whose completions arrive on topic.
func StepForCompletion(topic string) (Step, bool) {
	for _, s := range Steps {
		if s.Completion == topic {
			return s, true
		}
	}
	return Step{}, false
}

// IsRest reports whether s is a between-steps stage, Queued included.
// Completed is a rest stage too, but it is terminal.
func IsRest(s models.Stage) bool {
	return Position(s) >= 0 && !IsWorking(s)
}

// DispatchableRests returns the rest stages from which work is dispatched.
func DispatchableRests() []models.Stage {
	var out []models.Stage
	for _, s := range order {
		if IsRest(s) && !s.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

// CompletionTopics lists every topic the coordinator consumes.
func CompletionTopics() []string {
	topics := make([]string, 0, len(Steps))
	for _, s := range Steps {
		topics = append(topics, s.Completion)
	}
	return topics
}

// RequestTopics lists every topic the coordinator publishes to.
func RequestTopics() []string {
	topics := make([]string, 0, len(Steps))
	for _, s := range Steps {
		topics = append(topics, s.Request)
	}
	return topics
}
