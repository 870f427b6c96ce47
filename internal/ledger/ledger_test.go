package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choruslabs/chorus/internal/config"
	"github.com/choruslabs/chorus/internal/persona"
	"github.com/choruslabs/chorus/internal/scope"
	"github.com/choruslabs/chorus/internal/testutil"
)

func testCredits() config.Credits {
	return config.Credits{
		StandardCost:    1,
		PremiumCost:     10,
		SurchargeTokens: 4000,
		NoticeWindow:    45 * time.Second,
	}
}

func TestCost(t *testing.T) {
	t.Parallel()
	l := New(testCredits(), &testutil.Notices{}, nil)

	tests := []struct {
		name   string
		tier   persona.Tier
		tokens int
		want   int
	}{
		{"standard is flat", persona.TierStandard, 9000, 1},
		{"premium is flat", persona.TierPremium, 9000, 10},
		{"large context under threshold", persona.TierLargeContext, 3999, 1},
		{"large context at threshold", persona.TierLargeContext, 4000, 1},
		{"large context just over", persona.TierLargeContext, 4500, 1},
		{"large context one thousand over", persona.TierLargeContext, 5000, 2},
		{"large context far over", persona.TierLargeContext, 9200, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, l.Cost(tt.tier, tt.tokens))
		})
	}
}

func TestAuthorize(t *testing.T) {
	t.Parallel()

	t.Run("sufficient balance passes without side effects", func(t *testing.T) {
		t.Parallel()
		notices := &testutil.Notices{}
		l := New(testCredits(), notices, nil)
		sc := scope.New("s1", "test")
		sc.Credits = 5

		require.NoError(t, l.Authorize(context.Background(), sc, "chan", 5))
		assert.Equal(t, 5, sc.Credits, "authorization never debits")
		assert.Zero(t, notices.Count())
		assert.Empty(t, sc.Records())
	})

	t.Run("refusal records and notifies", func(t *testing.T) {
		t.Parallel()
		notices := &testutil.Notices{}
		l := New(testCredits(), notices, nil)
		sc := scope.New("s1", "test")
		sc.Credits = 2

		err := l.Authorize(context.Background(), sc, "chan", 3)
		assert.ErrorIs(t, err, ErrInsufficientCredits)

		recs := sc.Records()
		require.Len(t, recs, 1)
		assert.Equal(t, scope.RecordOutOfCredits, recs[0].Kind)
		require.Equal(t, 1, notices.Count())
		assert.Equal(t, OutOfCreditsNotice, notices.Texts[0])
	})

	t.Run("notice is rate limited per scope", func(t *testing.T) {
		t.Parallel()
		notices := &testutil.Notices{}
		l := New(testCredits(), notices, nil)
		sc := scope.New("s1", "test")

		for i := 0; i < 3; i++ {
			err := l.Authorize(context.Background(), sc, "chan", 1)
			assert.ErrorIs(t, err, ErrInsufficientCredits)
		}
		assert.Equal(t, 1, notices.Count(), "only the first refusal in the window notifies")
		assert.Len(t, sc.Records(), 3, "every refusal is still recorded")
	})

	t.Run("distinct scopes have independent limiters", func(t *testing.T) {
		t.Parallel()
		notices := &testutil.Notices{}
		l := New(testCredits(), notices, nil)

		require.Error(t, l.Authorize(context.Background(), scope.New("s1", ""), "chan", 1))
		require.Error(t, l.Authorize(context.Background(), scope.New("s2", ""), "chan", 1))
		assert.Equal(t, 2, notices.Count())
	})
}

func TestDebit(t *testing.T) {
	t.Parallel()
	l := New(testCredits(), &testutil.Notices{}, nil)
	sc := scope.New("s1", "test")
	sc.Credits = 3

	l.Debit(sc, 2)
	assert.Equal(t, 1, sc.Credits)

	l.Debit(sc, 5)
	assert.Equal(t, 0, sc.Credits, "balance clamps at zero")
}

func TestCredit(t *testing.T) {
	t.Parallel()
	l := New(testCredits(), &testutil.Notices{}, nil)
	sc := scope.New("s1", "test")

	l.Credit(sc, 25)
	assert.Equal(t, 25, sc.Credits)
	recs := sc.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, scope.RecordTopUp, recs[0].Kind)

	l.Credit(sc, 0)
	l.Credit(sc, -5)
	assert.Equal(t, 25, sc.Credits, "non-positive amounts are ignored")
	assert.Len(t, sc.Records(), 1)
}
