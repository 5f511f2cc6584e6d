package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeVendor(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"STARBUCKS #4521", "STARBUCKS 4521"},
		{"starbucks #4521", "STARBUCKS 4521"},
		{"  Café   Crème  ", "CAFE CREME"},
		{"AMZN Mktp US*RT4G12", "AMZN MKTP US RT4G12"},
		{"NEW-VENDOR, LLC.", "NEW VENDOR LLC"},
		{"", ""},
		{"***", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeVendor(tt.in))
		})
	}
}

func TestVendorKey_StableAcrossCasing(t *testing.T) {
	a := Transaction{Vendor: "Starbucks #4521"}
	b := Transaction{Vendor: "STARBUCKS  #4521"}
	assert.Equal(t, a.VendorKey(), b.VendorKey())
}

func TestProposal_Account(t *testing.T) {
	p := CategorizationProposal{
		Strategy: StrategyRecall,
		Trace: []StageOutcome{
			{Strategy: StrategyRule, Kind: StageInconclusive},
			{Strategy: StrategyRecall, Kind: StageHit, Account: "6000:Meals"},
			{Strategy: StrategyFallback, Kind: StageSkipped},
		},
	}
	assert.Equal(t, "6000:Meals", p.Account())

	empty := CategorizationProposal{Strategy: StrategyRule}
	assert.Empty(t, empty.Account())
}

func TestProposal_BudgetLimited(t *testing.T) {
	limited := CategorizationProposal{
		Trace: []StageOutcome{
			{Strategy: StrategyFallback, Kind: StageInconclusive, Detail: string(UnavailableBudget)},
		},
	}
	assert.True(t, limited.BudgetLimited())

	providerErr := CategorizationProposal{
		Trace: []StageOutcome{
			{Strategy: StrategyFallback, Kind: StageInconclusive, Detail: string(UnavailableProvider)},
		},
	}
	assert.False(t, providerErr.BudgetLimited())
}
