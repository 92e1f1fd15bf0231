package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vettrack/internal/events"
	"vettrack/internal/model"
)

func pushedAt(at time.Time) events.Header {
	return events.Header{At: at, Source: events.SourcePush, EmergencyID: "em-1"}
}

func TestScenario_HappyPath(t *testing.T) {
	t0 := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	b := &fakeBackend{snap: homeRequest(model.StatusPending)}
	e := startEngine(t, b, &fakeCommander{}, Config{})
	ctx := context.Background()

	eta := 14
	dist := 12.0
	steps := []events.Event{
		events.Accepted{Header: pushedAt(t0), Vet: &model.Vet{Name: "Dra. Rojas", Phone: "+56 9 1234"}, ConversationID: "conv-1"},
		events.StatusUpdated{Header: pushedAt(t0.Add(time.Minute)), Status: model.StatusOnWay,
			ETAMinutes: &eta, VetLocation: &model.Point{Lat: -33.45, Lng: -70.66}},
		events.StatusUpdated{Header: pushedAt(t0.Add(20 * time.Minute)), Status: model.StatusArrived,
			AutoDetected: true, DistanceMeters: &dist},
	}
	for _, ev := range steps {
		require.NoError(t, e.Submit(ctx, ev))
	}
	eventually(t, func() bool { return e.State().Request.Status == model.StatusArrived })

	v := e.View()
	require.NotNil(t, v.Request.Vet)
	assert.Equal(t, "Dra. Rojas", v.Request.Vet.Name)
	assert.Equal(t, "conv-1", v.Request.ConversationID)
	assert.True(t, v.Geolocation.AutoValidated)
	require.NotNil(t, v.Geolocation.ArrivalDistanceMeters)
	assert.Equal(t, 12.0, *v.Geolocation.ArrivalDistanceMeters)

	require.NoError(t, e.ConfirmArrival(ctx))
	eventually(t, func() bool { return e.State().Request.Status == model.StatusInService })

	b.set(func(b *fakeBackend) {
		b.snap = homeRequest(model.StatusCompleted)
		b.snap.Pricing = &model.Pricing{Total: 45000, Currency: "CLP"}
	})
	require.NoError(t, e.Submit(ctx, events.Completed{Header: pushedAt(t0.Add(time.Hour))}))
	eventually(t, func() bool { return e.State().Request.Status == model.StatusCompleted })
	assert.NotNil(t, e.State().Request.Pricing)
}

func TestScenario_StalePollDoesNotRegress(t *testing.T) {
	t0 := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	onWay := homeRequest(model.StatusOnWay)
	onWay.UpdatedAt = t0
	b := &fakeBackend{snap: onWay}
	e := startEngine(t, b, &fakeCommander{}, Config{})
	ctx := context.Background()

	require.NoError(t, e.Submit(ctx, events.StatusUpdated{Header: pushedAt(t0.Add(time.Second)), Status: model.StatusArrived}))
	require.NoError(t, e.Submit(ctx, events.Snapshot{
		Header:  events.Header{At: t0.Add(10 * time.Second), Source: events.SourcePoll, EmergencyID: "em-1"},
		Request: onWay,
	}))

	eventually(t, func() bool { return e.State().Request.Status == model.StatusArrived })
	// a second stale poll changes nothing either
	rev := e.View().Revision
	require.NoError(t, e.Submit(ctx, events.Snapshot{
		Header:  events.Header{At: t0.Add(20 * time.Second), Source: events.SourcePoll, EmergencyID: "em-1"},
		Request: onWay,
	}))
	require.NoError(t, e.MarkChatRead(ctx))
	assert.Equal(t, model.StatusArrived, e.State().Request.Status)
	assert.Equal(t, rev, e.View().Revision)
}
