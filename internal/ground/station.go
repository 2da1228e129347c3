package ground

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
)

// hub fans incoming record views out to the connected websockets.
type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]struct{})}
}

func (h *hub) add(c *websocket.Conn) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.Close()
}

// broadcast writes the payload to every client, dropping the ones that
// fail.
func (h *hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			delete(h.clients, c)
			c.Close()
		}
	}
}

var upgrader = websocket.Upgrader{
	// The station runs on a bench or a chase car, not the open web.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StationOptions wire RunStation.
type StationOptions struct {
	Broker   string
	ClientID string
	Topic    string
	Port     int
}

// RunStation subscribes to the cycle topic and serves the latest
// record over HTTP plus a live websocket feed. Blocks until the HTTP
// server fails.
func RunStation(opts StationOptions) error {
	var (
		mu       sync.RWMutex
		last     RecordView
		haveLast bool
	)
	h := newHub()

	// 1) Connect and subscribe.
	mqttOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID)
	client := mqtt.NewClient(mqttOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", opts.Broker, token.Error())
	}
	log.Printf("station: connected to broker %s", opts.Broker)

	token := client.Subscribe(opts.Topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var v RecordView
		if err := json.Unmarshal(msg.Payload(), &v); err != nil {
			log.Printf("station: bad payload on %s: %v", msg.Topic(), err)
			return
		}
		mu.Lock()
		last = v
		haveLast = true
		mu.Unlock()
		h.broadcast(msg.Payload())
	})
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", opts.Topic, token.Error())
	}
	log.Printf("station: subscribed to %s", opts.Topic)

	// 2) Latest record as JSON.
	http.HandleFunc("/api/latest", func(w http.ResponseWriter, r *http.Request) {
		mu.RLock()
		defer mu.RUnlock()
		if !haveLast {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(last); err != nil {
			log.Printf("station: json encode: %v", err)
		}
	})

	// 3) Live feed over websocket.
	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("station: ws upgrade: %v", err)
			return
		}
		h.add(conn)
		// Prime the new client with the latest record.
		mu.RLock()
		if haveLast {
			if payload, err := json.Marshal(last); err == nil {
				conn.WriteMessage(websocket.TextMessage, payload)
			}
		}
		mu.RUnlock()
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.remove(conn)
					return
				}
			}
		}()
	})

	// 4) Static files from ./web as the root.
	http.Handle("/", http.FileServer(http.Dir("web")))

	addr := fmt.Sprintf(":%d", opts.Port)
	log.Printf("station: listening on %s", addr)
	return http.ListenAndServe(addr, nil)
}
