package provider

import (
	"fmt"
	"math"

	"mediagen/internal/domain"
)

// Quote is a cost estimate for a generation request. The same inputs always
// produce the same quote, so an estimate shown before submission is exactly
// the amount debited at submission.
type Quote struct {
	BaseCost   int64   `json:"base_cost"`
	Multiplier float64 `json:"multiplier"`
	Count      int     `json:"count"`
	Total      int64   `json:"total"`
}

const (
	imageBaseCost        = 50 // credits per image
	videoBaseCostPerSec  = 20
	audioBaseCostPerSec  = 2
	defaultVideoDuration = 30
	defaultAudioDuration = 30
	maxDurationSeconds   = 600
)

var imageDimensionMultipliers = map[string]float64{
	"512x512":   1.0,
	"1024x1024": 1.5,
	"1024x768":  1.4,
	"768x1024":  1.4,
	"1536x1536": 2.0,
	"2048x2048": 3.0,
}

var styleMultipliers = map[string]float64{
	"photorealistic": 1.0,
	"artistic":       1.2,
	"cartoon":        0.8,
	"abstract":       1.1,
	"portrait":       1.3,
	"landscape":      1.1,
	"cinematic":      1.3,
}

var qualityMultipliers = map[string]float64{
	"standard": 1.0,
	"hd":       1.5,
	"ultra":    2.0,
}

var videoResolutionMultipliers = map[string]float64{
	"480p":  0.8,
	"720p":  1.0,
	"1080p": 1.5,
	"4k":    3.0,
}

var providerMultipliers = map[string]float64{
	"openai":           1.0,
	"replicate":        0.8,
	"elevenlabs":       0.9,
	"stable-diffusion": 0.6,
	"synthetic":        0.1,
}

// Estimate computes the credit cost of a request as a pure function of
// (kind, params): a base cost scaled by multiplicative resolution, duration,
// style, quality and provider factors.
func Estimate(kind domain.JobKind, params map[string]any) (Quote, error) {
	switch kind {
	case domain.JobKindImage:
		return estimateImage(params), nil
	case domain.JobKindVideo:
		return estimateVideo(params), nil
	case domain.JobKindAudio:
		return estimateAudio(params), nil
	}
	return Quote{}, fmt.Errorf("%w: %q", domain.ErrInvalidKind, kind)
}

func estimateImage(params map[string]any) Quote {
	mult := lookup(imageDimensionMultipliers, stringParam(params, "dimensions"), 1.5)
	mult *= lookup(styleMultipliers, stringParam(params, "style"), 1.0)
	mult *= lookup(qualityMultipliers, stringParam(params, "quality"), 1.0)
	mult *= lookup(providerMultipliers, stringParam(params, "provider"), 1.0)

	count := intParam(params, "count", 1)
	if count < 1 {
		count = 1
	}
	perUnit := int64(math.Floor(imageBaseCost * mult))
	return Quote{BaseCost: imageBaseCost, Multiplier: mult, Count: count, Total: perUnit * int64(count)}
}

func estimateVideo(params map[string]any) Quote {
	mult := lookup(videoResolutionMultipliers, stringParam(params, "resolution"), 1.0)
	mult *= lookup(styleMultipliers, stringParam(params, "style"), 1.0)
	mult *= lookup(qualityMultipliers, stringParam(params, "quality"), 1.0)
	mult *= lookup(providerMultipliers, stringParam(params, "provider"), 1.0)

	duration := clampDuration(intParam(params, "duration", defaultVideoDuration))
	perUnit := int64(math.Floor(videoBaseCostPerSec * mult))
	return Quote{BaseCost: videoBaseCostPerSec, Multiplier: mult, Count: duration, Total: perUnit * int64(duration)}
}

func estimateAudio(params map[string]any) Quote {
	mult := lookup(qualityMultipliers, stringParam(params, "quality"), 1.0)
	mult *= lookup(providerMultipliers, stringParam(params, "provider"), 1.0)

	duration := clampDuration(intParam(params, "duration", defaultAudioDuration))
	perUnit := int64(math.Floor(audioBaseCostPerSec * mult))
	if perUnit < 1 {
		perUnit = 1
	}
	return Quote{BaseCost: audioBaseCostPerSec, Multiplier: mult, Count: duration, Total: perUnit * int64(duration)}
}

func clampDuration(d int) int {
	if d < 1 {
		return 1
	}
	if d > maxDurationSeconds {
		return maxDurationSeconds
	}
	return d
}

func lookup(table map[string]float64, key string, fallback float64) float64 {
	if key == "" {
		return fallback
	}
	if v, ok := table[key]; ok {
		return v
	}
	return fallback
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}
