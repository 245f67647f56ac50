package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/pwremote/internal/obs"
	"github.com/matst80/pwremote/internal/proto"
	"github.com/matst80/pwremote/internal/socks"
)

// peer answers the tunnel requests a session forwards to this client.
type peer struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	handler *socks.Handler
}

func newPeer(ws *websocket.Conn, pattern string, opts ...socks.Option) (*peer, error) {
	p := &peer{ws: ws}
	h, err := socks.NewHandler(pattern, p, opts...)
	if err != nil {
		return nil, err
	}
	p.handler = h
	return p, nil
}

// run pumps frames until the connection drops or ctx is done.
func (p *peer) run(ctx context.Context) error {
	defer p.handler.Cleanup()
	// Dials started for this connection die with it.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			p.writeMu.Lock()
			_ = p.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown"), time.Now().Add(time.Second))
			p.writeMu.Unlock()
			_ = p.ws.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var msg proto.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			obs.Error("client.message.invalid", obs.Fields{"err": err.Error()})
			continue
		}
		if !proto.IsTunnelMethod(msg.Method) {
			if msg.Error != nil {
				obs.Info("client.server.error", obs.Fields{"id": msg.ID, "err": msg.Error.Message})
			}
			continue
		}
		ev, err := proto.DecodeTunnelEvent(msg)
		if err != nil {
			obs.Error("client.tunnel.invalid", obs.Fields{"err": err.Error()})
			continue
		}
		if err := p.handler.HandleEvent(connCtx, ev); err != nil {
			obs.Error("client.tunnel.event", obs.Fields{"method": msg.Method, "err": err.Error()})
		}
	}
}

func (p *peer) send(ev proto.TunnelEvent) {
	msg, err := proto.NewEvent(ev)
	if err != nil {
		obs.Error("client.encode", obs.Fields{"err": err.Error()})
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.ws.WriteJSON(msg); err != nil {
		obs.Debug("client.write.failed", obs.Fields{"err": err.Error(), "uid": ev.TunnelUID()})
	}
}

func (p *peer) OnSocksConnected(ev proto.SocksConnected) { p.send(ev) }
func (p *peer) OnSocksFailed(ev proto.SocksFailed)       { p.send(ev) }
func (p *peer) OnSocksData(ev proto.SocksData)           { p.send(ev) }
func (p *peer) OnSocksError(ev proto.SocksError)         { p.send(ev) }
func (p *peer) OnSocksEnd(ev proto.SocksEnd)             { p.send(ev) }
