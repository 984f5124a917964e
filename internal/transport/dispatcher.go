package transport

import (
	"sync"
)

const inboxSize = 4096

type dataEntry struct {
	handle uint64
	fn     DataListener
}

// dispatcher owns the listeners of one participant and delivers queued
// envelopes to them from a single goroutine.
type dispatcher struct {
	mu            sync.RWMutex
	nextID        ListenerID
	data          map[string]map[ListenerID]dataEntry
	commands      map[ListenerID]MessageListener
	notifications map[ListenerID]MessageListener

	inbox  chan envelope
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		data:          make(map[string]map[ListenerID]dataEntry),
		commands:      make(map[ListenerID]MessageListener),
		notifications: make(map[ListenerID]MessageListener),
		inbox:         make(chan envelope, inboxSize),
		stopCh:        make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case env := <-d.inbox:
			d.dispatch(env)
		case <-d.stopCh:
			return
		}
	}
}

func (d *dispatcher) enqueue(env envelope) {
	select {
	case d.inbox <- env:
	case <-d.stopCh:
	}
}

func (d *dispatcher) dispatch(env envelope) {
	d.mu.RLock()
	var dataFns []DataListener
	var msgFns []MessageListener
	switch env.kind {
	case kindData:
		for _, e := range d.data[env.sample.Signal] {
			dataFns = append(dataFns, e.fn)
		}
	case kindCommand:
		for _, fn := range d.commands {
			msgFns = append(msgFns, fn)
		}
	case kindNotification:
		for _, fn := range d.notifications {
			msgFns = append(msgFns, fn)
		}
	}
	d.mu.RUnlock()

	for _, fn := range dataFns {
		fn(env.sample)
	}
	for _, fn := range msgFns {
		fn(env.msg)
	}
}

func (d *dispatcher) addData(signal string, handle uint64, fn DataListener) ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	if d.data[signal] == nil {
		d.data[signal] = make(map[ListenerID]dataEntry)
	}
	d.data[signal][d.nextID] = dataEntry{handle: handle, fn: fn}
	return d.nextID
}

func (d *dispatcher) removeData(signal string, id ListenerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.data[signal][id]; !ok {
		return false
	}
	delete(d.data[signal], id)
	return true
}

// dropData removes every listener bound to an unregistered handle.
func (d *dispatcher) dropData(signal string, handle uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, e := range d.data[signal] {
		if e.handle == handle {
			delete(d.data[signal], id)
		}
	}
}

func (d *dispatcher) addMessage(k kind, fn MessageListener) ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	if k == kindCommand {
		d.commands[d.nextID] = fn
	} else {
		d.notifications[d.nextID] = fn
	}
	return d.nextID
}

func (d *dispatcher) removeMessage(k kind, id ListenerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if k == kindCommand {
		delete(d.commands, id)
	} else {
		delete(d.notifications, id)
	}
}

func (d *dispatcher) close() {
	d.once.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()
}
