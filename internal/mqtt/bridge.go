package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"dali-go-bridge/internal/manager"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker   string
	Username string
	Password string
	Name     string // controller name, becomes the topic prefix segment
}

// Bridge connects the DALI manager to MQTT: it accepts commands, publishes
// the retained configuration, streams light state, and announces lights to
// Home Assistant.
type Bridge struct {
	client     pahomqtt.Client
	manager    *manager.Manager
	dispatcher *Dispatcher
	name       string
	prefix     string
	version    string
	logger     *slog.Logger
	unsub      func()
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(m *manager.Manager, version string, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		manager:    m,
		dispatcher: NewDispatcher(m, logger),
		name:       cfg.Name,
		prefix:     "dali/" + cfg.Name,
		version:    version,
		logger:     logger.With("component", "mqtt"),
		ctx:        ctx,
		cancel:     cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("dali-bridge-" + cfg.Name).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.prefix+"/active", "false", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publish(b.prefix+"/active", []byte("true"), true)
			b.publish(b.prefix+"/version", []byte(b.version), true)
			b.publishConfig()
			b.publishAllDiscovery()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to manager events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.manager.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes the offline marker, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publish(b.prefix+"/active", []byte("false"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event manager.Event) {
	switch event.Type {
	case manager.EventLightLevel:
		if data, ok := event.Data.(manager.LightLevelEvent); ok {
			b.publishLightState(data.Bus, data.Address, data.Level)
		}
	case manager.EventLightFound:
		if data, ok := event.Data.(manager.LightFoundEvent); ok {
			// Announce and publish config per found light so a long
			// discovery session streams progress.
			b.publishConfig()
			b.publishLightState(data.Bus, data.Address, 0)
		}
	case manager.EventLightRemoved:
		if data, ok := event.Data.(map[string]interface{}); ok {
			busNum, _ := data["bus"].(int)
			addr, _ := data["address"].(uint8)
			msg := buildRemoveLightDiscovery(b.name, busNum, addr)
			b.publish(msg.Topic, msg.Payload, true)
			b.publish(lightTopic(b.prefix, busNum, addr), nil, true)
		}
	case manager.EventConfigChanged, manager.EventBusStatus, manager.EventGroupLevel:
		b.publishConfig()
		b.publishAllDiscovery()
	}
}

// DaliConfig is the retained configuration payload.
type DaliConfig struct {
	Name  string            `json:"name"`
	Buses []manager.BusView `json:"buses"`
}

func (b *Bridge) publishConfig() {
	views, err := b.manager.Snapshot()
	if err != nil {
		b.logger.Error("config snapshot", "err", err)
		return
	}
	b.publish(b.prefix+"/config", mustJSON(DaliConfig{Name: b.name, Buses: views}), true)
}

func (b *Bridge) publishAllDiscovery() {
	views, err := b.manager.Snapshot()
	if err != nil {
		b.logger.Error("config snapshot for discovery", "err", err)
		return
	}
	for _, msg := range buildAllDiscovery(b.prefix, b.name, views) {
		b.publish(msg.Topic, msg.Payload, true)
	}
}

func (b *Bridge) publishLightState(busNum int, addr, level uint8) {
	state := "OFF"
	if level > 0 {
		state = "ON"
	}
	payload := mustJSON(haLightState{State: state, Brightness: level})
	b.publish(lightTopic(b.prefix, busNum, addr), payload, true)
}

func (b *Bridge) subscribeCommands() {
	b.client.Subscribe(b.prefix+"/command", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		// Discovery commands hold the bus for a while; never block the
		// paho receive loop on them.
		payload := append([]byte(nil), msg.Payload()...)
		go b.handleCommand(payload)
	})
	b.client.Subscribe(b.prefix+"/light/+/+/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		payload := append([]byte(nil), msg.Payload()...)
		topic := msg.Topic()
		go b.handleLightSet(topic, payload)
	})
}

func (b *Bridge) handleCommand(payload []byte) {
	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Minute)
	defer cancel()

	res := b.dispatcher.Handle(ctx, payload)
	b.publish(b.prefix+"/status", []byte(res.Status()), false)
	if res.ReplyTopic != "" && res.Reply != nil {
		b.publish(b.prefix+"/"+res.ReplyTopic, mustJSON(res.Reply), false)
	}
}

func (b *Bridge) handleLightSet(topic string, payload []byte) {
	busNum, addr, ok := parseLightSetTopic(b.prefix, topic)
	if !ok {
		b.logger.Warn("unparseable light topic", "topic", topic)
		return
	}
	var cmd haLightCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid light command JSON", "topic", topic, "err", err)
		return
	}

	var level uint8
	switch strings.ToUpper(cmd.State) {
	case "ON":
		level = 254
		if cmd.Brightness != nil {
			level = *cmd.Brightness
		}
	case "OFF":
		level = 0
	default:
		b.logger.Warn("invalid light state", "topic", topic, "state", cmd.State)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := b.manager.SetLightBrightness(ctx, busNum, addr, level); err != nil {
		b.logger.Warn("light set failed", "bus", busNum, "address", addr, "err", err)
	}
}

// parseLightSetTopic extracts bus and address from
// "{prefix}/light/bus{N}/addr{A}/set".
func parseLightSetTopic(prefix, topic string) (int, uint8, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/light/")
	if !ok {
		return 0, 0, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" {
		return 0, 0, false
	}
	busStr, ok := strings.CutPrefix(parts[0], "bus")
	if !ok {
		return 0, 0, false
	}
	addrStr, ok := strings.CutPrefix(parts[1], "addr")
	if !ok {
		return 0, 0, false
	}
	busNum, err := strconv.Atoi(busStr)
	if err != nil {
		return 0, 0, false
	}
	addr, err := strconv.ParseUint(addrStr, 10, 8)
	if err != nil {
		return 0, 0, false
	}
	return busNum, uint8(addr), true
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
