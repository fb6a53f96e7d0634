package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBaseScreens(t *testing.T) {
	tests := []struct {
		name       string
		maxScreens int
		quantity   int
		want       int
	}{
		{"allowance times quantity", 3, 2, 6},
		{"missing allowance counts as one", 0, 4, 4},
		{"negative allowance counts as one", -1, 1, 1},
		{"zero quantity counts as one", 5, 0, 5},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sub := SubscriptionWithPlan{
				Subscription:   Subscription{Quantity: tc.quantity},
				PlanMaxScreens: tc.maxScreens,
			}
			assert.Equal(t, tc.want, sub.BaseScreens())
		})
	}
}

func TestEntitlement(t *testing.T) {
	mainID := "sub-1"

	t.Run("no main subscription", func(t *testing.T) {
		e := Entitlement{CurrentMaxScreens: 3}
		assert.False(t, e.HasEntitlement())
	})

	t.Run("zero capacity", func(t *testing.T) {
		e := Entitlement{MainSubscriptionID: &mainID}
		assert.False(t, e.HasEntitlement())
	})

	t.Run("remaining never negative", func(t *testing.T) {
		e := Entitlement{MainSubscriptionID: &mainID, CurrentMaxScreens: 2, UsedScreens: 3}
		assert.True(t, e.HasEntitlement())
		assert.Equal(t, 0, e.Remaining())
	})
}

func TestAccountDisplayName(t *testing.T) {
	assert.Equal(t, "Ada Lovelace", (&Account{FirstName: "Ada", LastName: "Lovelace"}).DisplayName())
	assert.Equal(t, "ada@example.com", (&Account{Email: "ada@example.com"}).DisplayName())
}
