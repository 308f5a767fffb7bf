package cellaserv

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer hands the service one net.Pipe per dial and exposes the broker
// ends to the test, in dial order.
type pipeDialer struct {
	t       *testing.T
	brokers chan *testBroker
}

func newPipeDialer(t *testing.T) *pipeDialer {
	return &pipeDialer{t: t, brokers: make(chan *testBroker, 4)}
}

func (d *pipeDialer) dial() (io.ReadWriteCloser, error) {
	clientConn, brokerConn := net.Pipe()
	d.t.Cleanup(func() {
		clientConn.Close()
		brokerConn.Close()
	})
	d.brokers <- &testBroker{t: d.t, conn: brokerConn, codec: NewBinaryCodec(brokerConn)}
	return clientConn, nil
}

func (d *pipeDialer) broker(t *testing.T) *testBroker {
	t.Helper()
	select {
	case b := <-d.brokers:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("service never dialed")
		return nil
	}
}

func TestNewServiceValidation(t *testing.T) {
	dialer := newPipeDialer(t)

	t.Run("EmptyName", func(t *testing.T) {
		_, err := NewService("  ", "", dialer.dial)
		assert.Error(t, err)
	})

	t.Run("NilDialer", func(t *testing.T) {
		_, err := NewService("date", "", nil)
		assert.Error(t, err)
	})

	t.Run("InvalidEventPattern", func(t *testing.T) {
		_, err := NewService("date", "", dialer.dial,
			WithEventPattern("log.[", func(event string, data []byte) {}))
		assert.Error(t, err)
	})
}

func TestServiceRun(t *testing.T) {
	dialer := newPipeDialer(t)

	events := make(chan string, 1)
	svc, err := NewService("date", "", dialer.dial,
		WithAction("time", func(args *Args) (any, error) {
			return int64(1700000000), nil
		}),
		WithEvent("match.start", func(event string, data []byte) {
			events <- event
		}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- svc.Run(ctx) }()

	broker := dialer.broker(t)

	// Startup order on the wire: subscriptions first, then registration.
	env := broker.read()
	require.NotNil(t, env)
	require.Equal(t, KindSubscribe, env.Kind)
	sub, err := env.Subscribe()
	require.NoError(t, err)
	assert.Equal(t, "match.start", sub.Event)

	env = broker.read()
	require.NotNil(t, env)
	require.Equal(t, KindRegister, env.Kind)
	reg, err := env.Register()
	require.NoError(t, err)
	assert.Equal(t, "date", reg.Name)

	// A request round trip through the running service.
	broker.send(NewRequest(1, "date", "", "time", nil))
	env = broker.read()
	require.NotNil(t, env)
	rep, err := env.Reply()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rep.ID)
	assert.Equal(t, "1700000000", string(rep.Data))

	// Unknown methods are answered, not dropped.
	broker.send(NewRequest(2, "date", "", "frobnicate", nil))
	env = broker.read()
	require.NotNil(t, env)
	rep, err = env.Reply()
	require.NoError(t, err)
	require.NotNil(t, rep.Error)
	assert.Equal(t, ErrorNoSuchMethod, rep.Error.Kind)

	// The builtin action list includes user and builtin actions, sorted.
	broker.send(NewRequest(3, "date", "", "list-actions", nil))
	env = broker.read()
	require.NotNil(t, env)
	rep, err = env.Reply()
	require.NoError(t, err)
	var actions []string
	require.NoError(t, json.Unmarshal(rep.Data, &actions))
	assert.Equal(t, []string{"kill", "list-actions", "time"}, actions)

	broker.send(NewPublish("match.start", nil))
	select {
	case event := <-events:
		assert.Equal(t, "match.start", event)
	case <-time.After(2 * time.Second):
		t.Fatal("event handler was never invoked")
	}

	// Publishing from the service side.
	require.NoError(t, svc.Publish("date.tick", []byte(`1`)))
	env = broker.read()
	require.NotNil(t, env)
	pub, err := env.Publish()
	require.NoError(t, err)
	assert.Equal(t, "date.tick", pub.Event)

	require.NoError(t, svc.Log(map[string]any{"msg": "hello"}))
	env = broker.read()
	require.NotNil(t, env)
	pub, err = env.Publish()
	require.NoError(t, err)
	assert.Equal(t, "log.date", pub.Event)
	assert.JSONEq(t, `{"msg":"hello"}`, string(pub.Data))

	// Context cancellation is an orderly stop, not an error.
	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service never stopped")
	}
}

func TestServiceKillAction(t *testing.T) {
	dialer := newPipeDialer(t)

	svc, err := NewService("date", "", dialer.dial)
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- svc.Run(context.Background()) }()

	broker := dialer.broker(t)

	env := broker.read()
	require.NotNil(t, env)
	require.Equal(t, KindRegister, env.Kind)

	broker.send(NewRequest(1, "date", "", "kill", nil))

	select {
	case err := <-runDone:
		require.NoError(t, err, "a kill is an orderly stop")
	case <-time.After(2 * time.Second):
		t.Fatal("service never stopped after kill")
	}
}

func TestServiceKillOverride(t *testing.T) {
	dialer := newPipeDialer(t)

	svc, err := NewService("date", "", dialer.dial,
		WithAction("kill", func(args *Args) (any, error) {
			return "not today", nil
		}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- svc.Run(ctx) }()

	broker := dialer.broker(t)
	env := broker.read()
	require.NotNil(t, env)
	require.Equal(t, KindRegister, env.Kind)

	// A user binding named kill wins over the builtin.
	broker.send(NewRequest(1, "date", "", "kill", nil))
	env = broker.read()
	require.NotNil(t, env)
	rep, err := env.Reply()
	require.NoError(t, err)
	assert.Equal(t, `"not today"`, string(rep.Data))

	select {
	case <-runDone:
		t.Fatal("service stopped despite the overridden kill")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service never stopped")
	}
}

func TestServiceDependenciesAndWorkers(t *testing.T) {
	dialer := newPipeDialer(t)

	depReady := make(chan struct{})
	workerDone := make(chan string, 1)

	svc, err := NewService("brain", "", dialer.dial,
		WithDependency("date", "", func() { close(depReady) }),
		WithWorker(func(ctx context.Context, peer *Client) error {
			data, err := peer.Request("date", "", "time", nil)
			if err != nil {
				return err
			}
			workerDone <- string(data)
			return nil
		}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- svc.Run(ctx) }()

	broker := dialer.broker(t)

	// Dependency wait comes first on the main connection.
	env := broker.read()
	require.NotNil(t, env)
	require.Equal(t, KindSubscribe, env.Kind)
	sub, err := env.Subscribe()
	require.NoError(t, err)
	assert.Equal(t, NewServiceEvent, sub.Event)

	req := broker.readRequest()
	require.NotNil(t, req)
	assert.Equal(t, ListServicesMethod, req.Method)

	list, err := json.Marshal([]ServiceInfo{{Name: "date"}})
	require.NoError(t, err)
	broker.send(NewReply(req.ID, list))

	select {
	case <-depReady:
	case <-time.After(2 * time.Second):
		t.Fatal("dependency callback never ran")
	}

	// Registration only after the dependency is satisfied.
	env = broker.read()
	require.NotNil(t, env)
	require.Equal(t, KindRegister, env.Kind)

	// The worker gets its own connection for blocking requests.
	workerBroker := dialer.broker(t)
	workerReq := workerBroker.readRequest()
	require.NotNil(t, workerReq)
	assert.Equal(t, "time", workerReq.Method)
	workerBroker.send(NewReply(workerReq.ID, []byte(`1700000000`)))

	select {
	case data := <-workerDone:
		assert.Equal(t, "1700000000", data)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never finished")
	}

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service never stopped")
	}
}
