package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/wemo-matter-bridge/internal/infrastructure/mqtt"
)

const (
	defaultOutboundQueueSize = 256
	defaultWriteTimeout      = 5 * time.Second
	commandQoS               = 1
)

// MQTTClient is the subset of mqtt.Client the front end uses.
type MQTTClient interface {
	PublishRetained(topic string, payload []byte) error
	PublishQoS(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Writer applies an attribute write. Reconciler implements it.
type Writer interface {
	HandleWrite(ctx context.Context, w Write) error
}

// FrontOptions configures an MQTTFront.
type FrontOptions struct {
	BridgeID string
	Client   MQTTClient
	Topics   mqtt.Topics
	Writer   Writer

	// QueueSize bounds state messages waiting to be published.
	QueueSize int

	// WriteTimeout bounds how long a command waits for the reconciler.
	WriteTimeout time.Duration

	Logger Logger
}

// MQTTFront connects the reconciler to the upstream controller over MQTT.
// It turns command messages into writes, acknowledges them, and publishes
// attribute changes as retained state.
//
// AttributeChanged is called from the reconciler worker, so it only queues;
// a separate goroutine does the publishing.
type MQTTFront struct {
	bridgeID     string
	client       MQTTClient
	topics       mqtt.Topics
	writer       Writer
	writeTimeout time.Duration

	out     chan StateMessage
	dropped atomic.Uint64

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

var _ Publisher = (*MQTTFront)(nil)

// NewMQTTFront validates opts and creates the front end.
func NewMQTTFront(opts FrontOptions) (*MQTTFront, error) {
	if opts.Client == nil {
		return nil, errors.New("bridge: front requires an MQTT client")
	}
	if opts.Writer == nil {
		return nil, errors.New("bridge: front requires a writer")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultOutboundQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	return &MQTTFront{
		bridgeID:     opts.BridgeID,
		client:       opts.Client,
		topics:       opts.Topics,
		writer:       opts.Writer,
		writeTimeout: opts.WriteTimeout,
		out:          make(chan StateMessage, opts.QueueSize),
		logger:       opts.Logger,
	}, nil
}

// Start subscribes to the command topics and starts the state publisher.
func (f *MQTTFront) Start(ctx context.Context) error {
	f.ctx, f.ctxCancel = context.WithCancel(ctx)

	if err := f.client.Subscribe(f.topics.AllCommands(), commandQoS, f.handleCommand); err != nil {
		f.ctxCancel()
		return fmt.Errorf("subscribing to commands: %w", err)
	}

	f.wg.Add(1)
	go f.publishLoop()

	f.logInfo("MQTT front started", "topic", f.topics.AllCommands())
	return nil
}

// Stop unsubscribes and waits for the publisher to finish. State still
// queued is published first.
func (f *MQTTFront) Stop() {
	f.stopOnce.Do(func() {
		if f.ctxCancel == nil {
			return
		}
		if err := f.client.Unsubscribe(f.topics.AllCommands()); err != nil {
			f.logError("failed to unsubscribe from commands", err)
		}
		f.ctxCancel()
		f.wg.Wait()
	})
}

// SetLogger sets the logger.
func (f *MQTTFront) SetLogger(logger Logger) {
	f.loggerMu.Lock()
	f.logger = logger
	f.loggerMu.Unlock()
}

// Dropped returns how many state messages were dropped on a full queue.
func (f *MQTTFront) Dropped() uint64 { return f.dropped.Load() }

// AttributeChanged queues c for publishing. It never blocks.
func (f *MQTTFront) AttributeChanged(c Change) {
	select {
	case f.out <- NewStateMessage(c):
	default:
		f.dropped.Add(1)
		f.logWarn("state queue full, dropping change", "handle", c.Handle, "attribute", c.Attribute)
	}
}

// PublishDevices publishes the retained device list.
func (f *MQTTFront) PublishDevices(devices []DeviceState) error {
	if devices == nil {
		devices = []DeviceState{}
	}
	payload, err := json.Marshal(DeviceListMessage{
		Bridge:    f.bridgeID,
		Timestamp: time.Now().UTC(),
		Devices:   devices,
	})
	if err != nil {
		return fmt.Errorf("marshalling device list: %w", err)
	}
	return f.client.PublishRetained(f.topics.SystemDevices(), payload)
}

func (f *MQTTFront) publishLoop() {
	defer f.wg.Done()

	for {
		select {
		case msg := <-f.out:
			f.publishState(msg)
		case <-f.ctx.Done():
			for {
				select {
				case msg := <-f.out:
					f.publishState(msg)
				default:
					return
				}
			}
		}
	}
}

func (f *MQTTFront) publishState(msg StateMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		f.logError("failed to marshal state", err)
		return
	}
	if err := f.client.PublishRetained(f.topics.State(msg.Handle), payload); err != nil {
		f.logError("failed to publish state", err)
	}
}

// handleCommand runs on the MQTT client's callback goroutine.
func (f *MQTTFront) handleCommand(topic string, payload []byte) error {
	handle, err := mqtt.HandleFromTopic(topic)
	if err != nil {
		return err
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		f.publishAck(NewAckError(cmd, handle, ErrCodeInvalidCommand, "malformed command payload"))
		return fmt.Errorf("parsing command: %w", err)
	}
	if cmd.Handle != 0 && cmd.Handle != handle {
		f.publishAck(NewAckError(cmd, handle, ErrCodeInvalidParameters,
			fmt.Sprintf("payload handle %d does not match topic handle %d", cmd.Handle, handle)))
		return nil
	}

	value, err := cmd.IntValue()
	if err != nil {
		f.publishAck(NewAckError(cmd, handle, ErrCodeInvalidParameters, err.Error()))
		return nil
	}

	ctx, cancel := context.WithTimeout(f.ctx, f.writeTimeout)
	defer cancel()

	err = f.writer.HandleWrite(ctx, Write{Handle: handle, Attribute: cmd.Attribute, Value: value})
	if err != nil {
		f.logDebug("write rejected", "handle", handle, "attribute", cmd.Attribute, "error", err)
		f.publishAck(NewAckError(cmd, handle, ackCode(err), err.Error()))
		return nil
	}

	f.publishAck(NewAckMessage(cmd, handle))
	return nil
}

// ackCode maps a write error to its ack error code.
func ackCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownDevice):
		return ErrCodeNotConfigured
	case errors.Is(err, ErrUnsupportedAttribute):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrOutOfRange):
		return ErrCodeInvalidParameters
	case errors.Is(err, ErrUnreachable):
		return ErrCodeDeviceUnreachable
	default:
		return ErrCodeBridgeError
	}
}

func (f *MQTTFront) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		f.logError("failed to marshal ack", err)
		return
	}
	if err := f.client.PublishQoS(f.topics.Ack(ack.Handle), payload); err != nil {
		f.logError("failed to publish ack", err)
	}
}

func (f *MQTTFront) getLogger() Logger {
	f.loggerMu.RLock()
	defer f.loggerMu.RUnlock()
	return f.logger
}

func (f *MQTTFront) logInfo(msg string, keysAndValues ...any) {
	if logger := f.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (f *MQTTFront) logWarn(msg string, keysAndValues ...any) {
	if logger := f.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (f *MQTTFront) logDebug(msg string, keysAndValues ...any) {
	if logger := f.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (f *MQTTFront) logError(msg string, err error) {
	if logger := f.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
