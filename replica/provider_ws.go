package replica

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"
)

// networked sync tier over a relay. One session (one websocket) is shared
// by every per-shard provider handle; the relay fans updates out to the
// other devices in the space. Offline is tolerated: handles stay registered
// and re-announce on reconnect, and `Synced` simply does not signal until a
// full exchange completed.

const RelaySendBufferSize = 32

type RelaySessionSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultRelaySessionSettings() *RelaySessionSettings {
	return &RelaySessionSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

type RelayAuth struct {
	ByJwt      string
	DeviceId   Id
	AppVersion string
}

func (self *RelayAuth) SpaceId() (Id, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(self.ByJwt, gojwt.MapClaims{})
	if err != nil {
		return Id{}, err
	}
	claims := token.Claims.(gojwt.MapClaims)
	if spaceIdStr, ok := claims["space_id"]; ok {
		if spaceId, err := ParseId(spaceIdStr.(string)); err == nil {
			return spaceId, nil
		}
	}
	return Id{}, fmt.Errorf("jwt has no space_id claim")
}

type relayMessage struct {
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
	Data     []byte `json:"data,omitempty"`
	ByJwt    string `json:"by_jwt,omitempty"`
	DeviceId string `json:"device_id,omitempty"`
}

const (
	relayMessageAuth   = "auth"
	relayMessageOpen   = "open"
	relayMessageClose  = "close"
	relayMessageUpdate = "update"
	relayMessageSynced = "synced"
)

type RelaySession struct {
	ctx    context.Context
	cancel context.CancelFunc

	relayUrl string
	auth     *RelayAuth

	settings *RelaySessionSettings

	send chan relayMessage

	mutex sync.Mutex
	docs  map[string]*relayDoc
}

func NewRelaySessionWithDefaults(ctx context.Context, relayUrl string, auth *RelayAuth) *RelaySession {
	return NewRelaySession(ctx, relayUrl, auth, DefaultRelaySessionSettings())
}

func NewRelaySession(ctx context.Context, relayUrl string, auth *RelayAuth, settings *RelaySessionSettings) *RelaySession {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &RelaySession{
		ctx:      cancelCtx,
		cancel:   cancel,
		relayUrl: relayUrl,
		auth:     auth,
		settings: settings,
		send:     make(chan relayMessage, RelaySendBufferSize),
		docs:     map[string]*relayDoc{},
	}
	go session.run()
	return session
}

// RemoteSync

func (self *RelaySession) Open(name string, doc Doc) (RemoteDoc, error) {
	relayDoc := &relayDoc{
		session: self,
		name:    name,
		doc:     doc,
		synced:  make(chan struct{}),
	}
	relayDoc.unsub = doc.AddUpdateCallback(func(update []byte, remote bool) {
		if remote {
			// arrived via merge, do not echo
			return
		}
		relayDoc.session.queue(relayMessage{
			Type: relayMessageUpdate,
			Name: relayDoc.name,
			Data: update,
		})
	})

	self.mutex.Lock()
	self.docs[name] = relayDoc
	self.mutex.Unlock()

	// announce with the full current state so the relay can merge both ways
	self.queue(relayMessage{
		Type: relayMessageOpen,
		Name: name,
		Data: doc.EncodeState(),
	})

	return relayDoc, nil
}

func (self *RelaySession) queue(message relayMessage) {
	select {
	case self.send <- message:
	case <-self.ctx.Done():
	default:
		// backpressure: drop and let the next open re-announce the state
		glog.V(1).Infof("[relay]drop %s %s\n", message.Type, message.Name)
	}
}

func (self *RelaySession) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.relayUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			authMessage := relayMessage{
				Type:     relayMessageAuth,
				ByJwt:    self.auth.ByJwt,
				DeviceId: self.auth.DeviceId.String(),
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteJSON(authMessage); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			var ack relayMessage
			if err := ws.ReadJSON(&ack); err != nil {
				return nil, err
			}
			if ack.Type != relayMessageAuth {
				return nil, fmt.Errorf("auth response error")
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			// offline. proceed with local state and retry
			glog.V(1).Infof("[relay]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.handle(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *RelaySession) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// re-announce every open doc on each (re)connect
	self.mutex.Lock()
	announce := make([]relayMessage, 0, len(self.docs))
	for name, relayDoc := range self.docs {
		announce = append(announce, relayMessage{
			Type: relayMessageOpen,
			Name: name,
			Data: relayDoc.doc.EncodeState(),
		})
	}
	self.mutex.Unlock()

	// send
	go func() {
		defer handleCancel()

		write := func(message relayMessage) bool {
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteJSON(message); err != nil {
				glog.V(1).Infof("[relay]-> error = %s\n", err)
				return false
			}
			glog.V(2).Infof("[relay]-> %s %s\n", message.Type, message.Name)
			return true
		}

		for _, message := range announce {
			if !write(message) {
				return
			}
		}

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-self.send:
				if !write(message) {
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// receive
	func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			var message relayMessage
			if err := ws.ReadJSON(&message); err != nil {
				glog.V(1).Infof("[relay]<- error = %s\n", err)
				return
			}
			glog.V(2).Infof("[relay]<- %s %s\n", message.Type, message.Name)

			self.mutex.Lock()
			relayDoc := self.docs[message.Name]
			self.mutex.Unlock()
			if relayDoc == nil {
				continue
			}

			switch message.Type {
			case relayMessageUpdate:
				if err := relayDoc.doc.ApplyUpdate(message.Data); err != nil {
					glog.Infof("[relay]%s bad update = %s\n", message.Name, err)
				}
			case relayMessageSynced:
				relayDoc.setSynced()
			}
		}
	}()
}

func (self *RelaySession) remove(name string) {
	self.mutex.Lock()
	delete(self.docs, name)
	self.mutex.Unlock()

	self.queue(relayMessage{
		Type: relayMessageClose,
		Name: name,
	})
}

func (self *RelaySession) Close() {
	self.cancel()
}

type relayDoc struct {
	session *RelaySession
	name    string
	doc     Doc

	synced     chan struct{}
	syncedOnce sync.Once

	unsub func()
}

func (self *relayDoc) setSynced() {
	self.syncedOnce.Do(func() {
		close(self.synced)
	})
}

// RemoteDoc

func (self *relayDoc) Synced() <-chan struct{} {
	return self.synced
}

func (self *relayDoc) Destroy() {
	if self.unsub != nil {
		self.unsub()
	}
	self.session.remove(self.name)
}
