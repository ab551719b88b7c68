package credits

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safetalk-backend/internal/config"
	"safetalk-backend/internal/roles"
	"safetalk-backend/internal/storage"
)

func makeRepository(t *testing.T) (*PostgresRepository, *storage.PostgresDB) {
	t.Helper()
	dsn := os.Getenv("SAFETALK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SAFETALK_TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}
	ctx := context.Background()
	db, err := storage.NewPostgresDB(ctx, config.DatabaseConfig{
		URL:            dsn,
		MaxConnections: 10,
		MaxIdleTime:    time.Minute,
		MaxLifetime:    time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(ctx))
	return NewPostgresRepository(db.Pool()), db
}

func seedUser(t *testing.T, db *storage.PostgresDB, credits, giftable int64, premium bool) uuid.UUID {
	t.Helper()
	p := &storage.Profile{
		Username:        "ledger-" + uuid.NewString()[:8],
		Role:            roles.Both,
		IsPremium:       premium,
		Credits:         credits,
		GiftableCredits: giftable,
	}
	require.NoError(t, db.CreateProfile(context.Background(), p))
	return p.ID
}

func TestPostgresRepository_ConcurrentDebit(t *testing.T) {
	repo, db := makeRepository(t)
	user := seedUser(t, db, 10, 0, false)
	l := NewLedger(repo, nil, testCreditsConfig())

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := l.Deduct(context.Background(), user, 7, "race")
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	assert.NotEqual(t, results[0], results[1], "exactly one deduction may succeed")
	b, err := repo.Balance(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, int64(3), b.Credits)

	history, err := repo.History(context.Background(), user, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(-7), history[0].Amount)
}

func TestPostgresRepository_GiftIsAtomic(t *testing.T) {
	repo, db := makeRepository(t)
	ctx := context.Background()
	from := seedUser(t, db, 0, 10, true)
	to := seedUser(t, db, 0, 0, false)
	l := NewLedger(repo, nil, testCreditsConfig())

	res, err := l.Gift(ctx, from, to, 4)
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = l.Gift(ctx, from, to, 7)
	require.NoError(t, err)
	assert.Equal(t, ReasonInsufficientCredit, res.Reason)

	res, err = l.Gift(ctx, to, from, 1)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotPremium, res.Reason)

	sender, _ := repo.Balance(ctx, from)
	recipient, _ := repo.Balance(ctx, to)
	assert.Equal(t, int64(6), sender.GiftableCredits)
	assert.Equal(t, int64(4), recipient.Credits)

	sent, err := repo.History(ctx, from, 10)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, KindGiftSent, sent[0].Kind)
	require.NotNil(t, sent[0].CounterpartyID)
	assert.Equal(t, to, *sent[0].CounterpartyID)
}
