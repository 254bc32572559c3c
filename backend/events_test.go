package backend

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestEventBroadcaster(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	_, err := GetEventBroadcaster("bad", 0)
	assert.NotNil(err)

	uut, err := GetEventBroadcaster("testing", 4)
	assert.Nil(err)

	readNext := func(cursor EventCursor) (Event, bool) {
		select {
		case ev, ok := <-cursor.Events():
			return ev, ok
		case <-time.After(time.Second):
			assert.Fail("no event received")
			return Event{}, false
		}
	}

	cursor1 := uut.Subscribe()
	cursor2 := uut.Subscribe()
	assert.Equal(2, uut.SubscriberCount())

	// Case 0: every cursor sees every event in order
	{
		uut.Publish(Event{Name: "start-file"})
		uut.Publish(Event{Name: EventPropertyChange, ID: 2, Property: "volume", Data: 40.0})
		for _, cursor := range []EventCursor{cursor1, cursor2} {
			ev, ok := readNext(cursor)
			assert.True(ok)
			assert.Equal("start-file", ev.Name)
			assert.False(ev.IsPropertyChange())
			ev, ok = readNext(cursor)
			assert.True(ok)
			assert.True(ev.IsPropertyChange())
			assert.EqualValues(2, ev.ID)
			assert.Equal("volume", ev.Property)
		}
	}

	// Case 1: a full cursor drops the oldest events
	{
		for itr := 0; itr < 10; itr++ {
			uut.Publish(Event{Name: EventPropertyChange, ID: uint64(itr)})
		}
		assert.EqualValues(6, cursor1.Dropped())
		for itr := 6; itr < 10; itr++ {
			ev, ok := readNext(cursor1)
			assert.True(ok)
			assert.EqualValues(itr, ev.ID)
		}
	}

	// Case 2: closing a cursor detaches it
	{
		cursor2.Close()
		cursor2.Close()
		assert.Equal(1, uut.SubscriberCount())
		for range cursor2.Events() {
		}
		assert.Nil(cursor2.Err())
	}

	// Case 3: termination ends every cursor with the reason
	{
		reason := errors.New("socket gone")
		uut.Terminate(reason)
		_, ok := readNext(cursor1)
		assert.False(ok)
		assert.Equal(reason, cursor1.Err())
		assert.Equal(0, uut.SubscriberCount())

		// Publishing after termination is ignored
		uut.Publish(Event{Name: "idle"})

		// A late cursor is already finished
		late := uut.Subscribe()
		_, ok = readNext(late)
		assert.False(ok)
		assert.Equal(reason, late.Err())
	}
}

func TestEventMarshal(t *testing.T) {
	assert := assert.New(t)

	// Case 0: raw form is forwarded untouched
	{
		raw := `{"event":"property-change","id":3,"name":"volume","data":55,"extra":true}`
		var ev Event
		assert.Nil(json.Unmarshal([]byte(raw), &ev))
		ev.Raw = json.RawMessage(raw)
		assert.EqualValues(3, ev.ID)
		assert.Equal("volume", ev.Property)
		assert.EqualValues(55, ev.Data)
		encoded, err := json.Marshal(ev)
		assert.Nil(err)
		assert.Equal(raw, string(encoded))
	}

	// Case 1: without the raw form the fields are encoded
	{
		ev := Event{Name: "end-file", Reason: "eof"}
		encoded, err := json.Marshal(ev)
		assert.Nil(err)
		assert.JSONEq(`{"event":"end-file","reason":"eof"}`, string(encoded))
		assert.Equal("EVENT[end-file]", ev.String())
	}
}
