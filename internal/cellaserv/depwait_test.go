package cellaserv

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDependencyString(t *testing.T) {
	assert.Equal(t, "date", Dependency{Service: "date"}.String())
	assert.Equal(t, "ax/left", Dependency{Service: "ax", Identification: "left"}.String())
}

func TestDepWaiterAlreadySatisfied(t *testing.T) {
	client, _ := newTestBroker(t)

	ran := false
	w := newDepWaiter(client, nil, []func(){func() { ran = true }})
	require.NoError(t, w.wait())
	assert.True(t, ran, "callbacks run even with no dependencies declared")
}

func TestDepWaiterListAndNotify(t *testing.T) {
	client, broker := newTestBroker(t)

	deps := []Dependency{
		{Service: "date"},
		{Service: "ax", Identification: "left"},
	}
	order := make(chan string, 2)
	w := newDepWaiter(client, deps, []func(){
		func() { order <- "first" },
		func() { order <- "second" },
	})

	done := make(chan error, 1)
	go func() { done <- w.wait() }()

	// The waiter must subscribe to the registration event before asking
	// for the list, otherwise a dependency registering in between is lost.
	env := broker.read()
	require.NotNil(t, env)
	require.Equal(t, KindSubscribe, env.Kind)
	sub, err := env.Subscribe()
	require.NoError(t, err)
	assert.Equal(t, NewServiceEvent, sub.Event)

	req := broker.readRequest()
	require.NotNil(t, req)
	assert.Equal(t, BrokerService, req.ServiceName)
	assert.Equal(t, ListServicesMethod, req.Method)

	// "date" was already registered; "ax/left" was not.
	list, err := json.Marshal([]ServiceInfo{
		{Name: "date"},
		{Name: "unrelated"},
	})
	require.NoError(t, err)
	broker.send(NewReply(req.ID, list))

	select {
	case <-done:
		t.Fatal("waiter finished before every dependency was satisfied")
	case <-time.After(100 * time.Millisecond):
	}

	// A registration with the wrong identification does not count.
	wrong, err := json.Marshal(ServiceInfo{Name: "ax", Identification: "right"})
	require.NoError(t, err)
	broker.send(NewPublish(NewServiceEvent, wrong))

	select {
	case <-done:
		t.Fatal("waiter satisfied by the wrong identification")
	case <-time.After(100 * time.Millisecond):
	}

	info, err := json.Marshal(ServiceInfo{Name: "ax", Identification: "left"})
	require.NoError(t, err)
	broker.send(NewPublish(NewServiceEvent, info))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never finished")
	}

	assert.Equal(t, "first", <-order)
	assert.Equal(t, "second", <-order)
}

func TestDepWaiterNotificationBeforeListReply(t *testing.T) {
	client, broker := newTestBroker(t)

	w := newDepWaiter(client, []Dependency{{Service: "late"}}, nil)

	done := make(chan error, 1)
	go func() { done <- w.wait() }()

	env := broker.read()
	require.NotNil(t, env)
	require.Equal(t, KindSubscribe, env.Kind)
	req := broker.readRequest()
	require.NotNil(t, req)

	// The dependency registers while the list request is in flight. Its
	// notification arrives before the (empty) list reply and must not be
	// lost.
	info, err := json.Marshal(ServiceInfo{Name: "late"})
	require.NoError(t, err)
	broker.send(NewPublish(NewServiceEvent, info))
	broker.send(NewReply(req.ID, []byte(`[]`)))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never finished")
	}
}

func TestDepWaiterKeepsWaitingForever(t *testing.T) {
	client, broker := newTestBroker(t)

	w := newDepWaiter(client, []Dependency{{Service: "ghost"}}, nil)

	done := make(chan error, 1)
	go func() { done <- w.wait() }()

	env := broker.read()
	require.NotNil(t, env)
	req := broker.readRequest()
	require.NotNil(t, req)
	broker.send(NewReply(req.ID, []byte(`[]`)))

	// Unrelated traffic must be ignored, not treated as satisfaction.
	broker.send(NewPublish("some.other.event", nil))

	select {
	case <-done:
		t.Fatal("waiter finished without its dependency")
	case <-time.After(200 * time.Millisecond):
	}

	// Only the connection failing ends the wait early.
	broker.conn.Close()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe the connection failure")
	}
}

func TestDepWaiterListRequestFails(t *testing.T) {
	client, broker := newTestBroker(t)

	w := newDepWaiter(client, []Dependency{{Service: "date"}}, nil)

	done := make(chan error, 1)
	go func() { done <- w.wait() }()

	env := broker.read()
	require.NotNil(t, env)
	req := broker.readRequest()
	require.NotNil(t, req)
	broker.send(NewErrorReply(req.ID, ErrorNoSuchService, BrokerService))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoSuchService)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never finished")
	}
}
