package webserver

import (
	"fmt"

	"github.com/ReelForgeLabs/reelforge/internal/provider"
	"github.com/ReelForgeLabs/reelforge/pkg/billing"
)

const (
	qualityStandard = "standard"
	qualityHD       = "hd"
	qualityPro      = "pro"
)

// priceTask maps a provider, task type, and quality tier to a cost basis and
// the charge timing. Flat-priced tasks are pre-charged at submission; the
// duration-priced family bills after completion, when the output length is
// known.
func priceTask(providerName string, taskType billing.TaskType, quality string) (billing.CostBasis, bool, error) {
	if quality == "" {
		quality = qualityStandard
	}
	switch providerName {
	case provider.SoraName:
		amount, err := soraFlatAmount(taskType, quality)
		if err != nil {
			return billing.CostBasis{}, false, err
		}
		cost, err := billing.FlatCost(amount)
		return cost, true, err
	case provider.DashScopeName:
		rate := int64(billing.RatePerSecondStandard)
		if quality == qualityPro {
			rate = billing.RatePerSecondPro
		}
		cost, err := billing.DurationCost(rate)
		return cost, false, err
	}
	return billing.CostBasis{}, false, fmt.Errorf("%w: %q", provider.ErrUnknownProvider, providerName)
}

func soraFlatAmount(taskType billing.TaskType, quality string) (int64, error) {
	hd := quality == qualityHD
	switch taskType {
	case billing.TaskTextToVideo:
		if hd {
			return billing.FlatTextToVideoHD, nil
		}
		return billing.FlatTextToVideoStandard, nil
	case billing.TaskImageToVideo:
		if hd {
			return billing.FlatImageToVideoHD, nil
		}
		return billing.FlatImageToVideoStandard, nil
	}
	return 0, fmt.Errorf("%w: %s not priced for sora", billing.ErrInvalidTaskType, taskType)
}

// providerForTask routes a task type to its fulfilling provider.
func providerForTask(taskType billing.TaskType) string {
	switch taskType {
	case billing.TaskTextToVideo, billing.TaskImageToVideo:
		return provider.SoraName
	case billing.TaskMotionTransfer, billing.TaskFaceSwap:
		return provider.DashScopeName
	}
	return ""
}
