package repos_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/tasker-systems/tasker/internal/domain"
	"github.com/tasker-systems/tasker/internal/pkg/dbctx"
	"github.com/tasker-systems/tasker/internal/repos"
	"github.com/tasker-systems/tasker/internal/testutil"
)

func TestTaskRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()

	repo := repos.NewTaskRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	tmpl := testutil.SeedTemplate(t, ctx, tx, "billing", "charge_customer", 1)

	task := &domain.Task{
		TemplateID:   tmpl.ID,
		Namespace:    "billing",
		Name:         "charge_customer",
		Version:      1,
		Context:      datatypes.JSON([]byte(`{"amount":100}`)),
		CurrentState: domain.TaskStatePending,
	}
	require.NoError(t, repo.Create(dbc, task))
	require.NotEqual(t, uuid.Nil, task.ID)

	fetched, err := repo.GetByID(dbc, task.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, domain.TaskStatePending, fetched.CurrentState)

	missing, err := repo.GetByID(dbc, uuid.Must(uuid.NewV7()))
	require.NoError(t, err)
	assert.Nil(t, missing)

	applied, err := repo.TransitionState(dbc, task.ID, domain.TaskStatePending, domain.TaskStateMaterializing, "materialize", "corr-1")
	require.NoError(t, err)
	assert.True(t, applied)

	// Racing an already-moved row is a no-op, not an error.
	applied, err = repo.TransitionState(dbc, task.ID, domain.TaskStatePending, domain.TaskStateMaterializing, "materialize", "corr-1")
	require.NoError(t, err)
	assert.False(t, applied)

	require.NoError(t, repo.SetFailingSteps(dbc, task.ID, []string{"charge"}))
	fetched, err = repo.GetByID(dbc, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"charge"}, []string(fetched.FailingSteps))

	_, err = repo.TransitionState(dbc, task.ID, domain.TaskStateMaterializing, domain.TaskStateError, "fail", "corr-1")
	require.NoError(t, err)

	entries, err := repo.ListDeadLetter(dbc, "billing", 50, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, task.ID, entries[0].ID)

	listed, err := repo.List(dbc, "billing", 50, 0)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}
