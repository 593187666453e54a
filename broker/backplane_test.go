package broker

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
	"taskboard/storage"
)

func startBackplane(ctx context.Context, t *testing.T, addr string, b func(Backplane) *Broker) (*Broker, *RedisBackplane) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	logger, _ := test.NewNullLogger()
	plane := NewRedisBackplane(client, "board-updates", logger)
	broker := b(plane)
	go func() { _ = broker.Run(ctx) }()
	select {
	case <-plane.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("backplane did not subscribe")
	}
	return broker, plane
}

func TestRedisBackplaneFansOutAcrossInstances(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewMemory()
	first, _ := startBackplane(ctx, t, mr.Addr(), func(p Backplane) *Broker {
		return newTestBroker(t, store, Options{Backplane: p})
	})
	second, _ := startBackplane(ctx, t, mr.Addr(), func(p Backplane) *Broker {
		return newTestBroker(t, store, Options{Backplane: p})
	})

	a := connect(t, first, "u1")
	other := connect(t, second, "u2")
	waitForOnline(t, a, 1)
	waitForOnline(t, other, 1)

	a.send(t, domain.CreateTaskCommand{Title: "shared"})

	for _, c := range []*conn{a, other} {
		ev := waitForName(t, c, domain.EventTaskCreated).(domain.TaskCreatedEvent)
		if ev.Task.Title != "shared" || ev.Task.Owner != "u1" {
			t.Fatalf("unexpected created task %+v", ev.Task)
		}
	}
	// presence is per instance and never crosses the backplane
	if first.OnlineUsers() != 1 || second.OnlineUsers() != 1 {
		t.Fatalf("unexpected presence %d/%d", first.OnlineUsers(), second.OnlineUsers())
	}
}

func TestRedisBackplanePublishFailureDeliversLocally(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	logger, _ := test.NewNullLogger()
	plane := NewRedisBackplane(client, "board-updates", logger)
	mr.Close()

	b := newTestBroker(t, storage.NewMemory(), Options{Backplane: plane})
	a := connect(t, b, "u1")
	waitForOnline(t, a, 1)

	a.send(t, domain.CreateTaskCommand{Title: "local"})
	ev := waitForName(t, a, domain.EventTaskCreated).(domain.TaskCreatedEvent)
	if ev.Task.Title != "local" {
		t.Fatalf("unexpected created task %+v", ev.Task)
	}
}

func TestRedisBackplaneSkipsMalformedMessages(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	logger, _ := test.NewNullLogger()
	plane := NewRedisBackplane(client, "board-updates", logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Delivery, 1)
	go func() { _ = plane.Run(ctx, func(d Delivery) { got <- d }) }()
	<-plane.Ready()

	sender := NewRedisBackplane(client, "board-updates", logger)
	mr.Publish("board-updates", "not json")
	if err := sender.Publish(ctx, Delivery{Owner: "u1", Payload: []byte(`{"event":"taskDeleted","data":"t1"}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case d := <-got:
		if d.Owner != "u1" || string(d.Payload) != `{"event":"taskDeleted","data":"t1"}` {
			t.Fatalf("unexpected delivery %+v (%s)", d, d.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected delivery")
	}
}

func TestRedisBackplaneSkipsOwnMessages(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	logger, _ := test.NewNullLogger()
	plane := NewRedisBackplane(client, "board-updates", logger)
	sender := NewRedisBackplane(client, "board-updates", logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Delivery, 2)
	go func() { _ = plane.Run(ctx, func(d Delivery) { got <- d }) }()
	<-plane.Ready()

	if err := plane.Publish(ctx, Delivery{Owner: "u1", Payload: []byte(`{"event":"taskDeleted","data":"own"}`)}); err != nil {
		t.Fatalf("publish own: %v", err)
	}
	if err := sender.Publish(ctx, Delivery{Owner: "u1", Payload: []byte(`{"event":"taskDeleted","data":"peer"}`)}); err != nil {
		t.Fatalf("publish peer: %v", err)
	}
	select {
	case d := <-got:
		if string(d.Payload) != `{"event":"taskDeleted","data":"peer"}` {
			t.Fatalf("expected only the peer message, got %s", d.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected delivery")
	}
	select {
	case d := <-got:
		t.Fatalf("unexpected extra delivery %s", d.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBrokerDeliversLocallyBeforeBackplaneSubscribes(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	logger, _ := test.NewNullLogger()
	plane := NewRedisBackplane(client, "board-updates", logger)

	// Run is never started, so this instance is not subscribed.
	b := newTestBroker(t, storage.NewMemory(), Options{Backplane: plane})
	a := connect(t, b, "u1")
	waitForOnline(t, a, 1)

	a.send(t, domain.CreateTaskCommand{Title: "early"})
	ev := waitForName(t, a, domain.EventTaskCreated).(domain.TaskCreatedEvent)
	if ev.Task.Title != "early" {
		t.Fatalf("unexpected created task %+v", ev.Task)
	}
}

func TestRedisBackplaneDeliversOncePerInstance(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewMemory()
	first, _ := startBackplane(ctx, t, mr.Addr(), func(p Backplane) *Broker {
		return newTestBroker(t, store, Options{Backplane: p})
	})
	second, _ := startBackplane(ctx, t, mr.Addr(), func(p Backplane) *Broker {
		return newTestBroker(t, store, Options{Backplane: p})
	})
	a := connect(t, first, "u1")
	other := connect(t, second, "u2")
	waitForOnline(t, a, 1)
	waitForOnline(t, other, 1)

	a.send(t, domain.CreateTaskCommand{Title: "once"})
	for _, c := range []*conn{a, other} {
		waitForName(t, c, domain.EventTaskCreated)
		expectQuiet(t, c, 200*time.Millisecond)
	}
}
