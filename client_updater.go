package labdaq

// Contains the client updater, which publishes JSON-encoded messages
// giving the latest labdaq state.

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries one message to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

var clientMessageChan = make(chan ClientUpdate, 10)

// publish queues a status message without blocking the caller. If nothing is
// draining the channel, the message is dropped.
func publish(tag string, state interface{}) {
	select {
	case clientMessageChan <- ClientUpdate{tag: tag, state: state}:
	default:
	}
}

// RunClientUpdater forwards any queued status message to a ZMQ publisher
// socket, as a 2-frame message of [tag, JSON-encoded state]. It returns when
// the abort channel closes.
func RunClientUpdater(portstatus int, abort <-chan struct{}) {
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create status PUB socket: %v", err)
		return
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(hostname); err != nil {
		ProblemLogger.Printf("could not bind status PUB socket to %s: %v", hostname, err)
		return
	}

	for {
		select {
		case <-abort:
			return
		case update := <-clientMessageChan:
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("could not encode %q update: %v", update.tag, err)
				continue
			}
			UpdateLogger.Printf("%s %s", update.tag, message)
			if _, err := pubSocket.SendMessage(update.tag, message); err != nil {
				ProblemLogger.Printf("could not publish %q update: %v", update.tag, err)
			}
		}
	}
}
