package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/evalphobia/logrus_fluent"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/fluent/fluent-logger-golang/fluent"
	"github.com/sirupsen/logrus"
	uberatomic "go.uber.org/atomic"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	relayPerformanceInterval    = 1 * time.Minute
	activityPerformanceInterval = 30 * time.Minute

	fluentdPort          = 24224
	statsNamePerformance = "meta-tx-relay.stats.performance"
	logTag               = "meta-tx-relay.log"
	logFileName          = "logs/meta-tx-relay.log"
)

// clientActivity tracks the senders using this relay from one address
type clientActivity struct {
	LastCall *uberatomic.Int64
	Senders  *hashmap.HashMap[string, int]
}

// leveledWriterHook writes formatted entries up to a level into a writer,
// so console and file can log at different verbosity
type leveledWriterHook struct {
	writer    io.Writer
	formatter logrus.Formatter
	levels    []logrus.Level
}

func (h *leveledWriterHook) Levels() []logrus.Level { return h.levels }

func (h *leveledWriterHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}

// nodeIDHook stamps every entry shipped to fluentd with the node id
type nodeIDHook struct {
	nodeID string
}

func (h *nodeIDHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *nodeIDHook) Fire(entry *logrus.Entry) error {
	entry.Data["nodeId"] = h.nodeID
	return nil
}

func levelsUpTo(level logrus.Level) []logrus.Level {
	return logrus.AllLevels[:level+1]
}

// InitLogger configures the global logrus logger with a console output, a
// rotated log file and optionally a fluentd hook
func InitLogger(consoleLevelFlag, fileLevelFlag, fluentdHost, nodeID string, fluentdEnabled bool, fileMaxSize, fileMaxAge, fileMaxBackups int) error {
	consoleLevel, err := logrus.ParseLevel(consoleLevelFlag)
	if err != nil {
		return fmt.Errorf("invalid console log level: %w", err)
	}
	fileLevel, err := logrus.ParseLevel(fileLevelFlag)
	if err != nil {
		return fmt.Errorf("invalid file log level: %w", err)
	}

	globalLevel := consoleLevel
	if fileLevel > globalLevel {
		globalLevel = fileLevel
	}
	logrus.SetLevel(globalLevel)
	logrus.SetOutput(io.Discard)

	logrus.AddHook(&leveledWriterHook{
		writer:    os.Stdout,
		formatter: &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: DateFormat},
		levels:    levelsUpTo(consoleLevel),
	})
	logrus.AddHook(&leveledWriterHook{
		writer: &lumberjack.Logger{
			Filename:   logFileName,
			MaxSize:    fileMaxSize,
			MaxAge:     fileMaxAge,
			MaxBackups: fileMaxBackups,
		},
		formatter: &logrus.JSONFormatter{TimestampFormat: DateFormat},
		levels:    levelsUpTo(fileLevel),
	})

	if !fluentdEnabled {
		return nil
	}

	hook, err := logrus_fluent.NewWithConfig(logrus_fluent.Config{
		Host:          fluentdHost,
		Port:          fluentdPort,
		DefaultTag:    logTag,
		MarshalAsJSON: true,
		AsyncConnect:  true,
	})
	if err != nil {
		return fmt.Errorf("could not connect to fluentd at %s: %w", fluentdHost, err)
	}
	hook.SetLevels(levelsUpTo(logrus.InfoLevel))
	logrus.AddHook(&nodeIDHook{nodeID: nodeID})
	logrus.AddHook(hook)
	return nil
}

// StartStats sends performance records to fluentd instead of the log
func (m *RelayService) StartStats(fluentdHost, nodeID string) error {
	fluentLogger, err := fluent.New(fluent.Config{
		FluentHost:    fluentdHost,
		FluentPort:    fluentdPort,
		MarshalAsJSON: true,
		Async:         true,
	})
	if err != nil {
		return err
	}

	m.nodeID = nodeID
	m.stats = fluentLogger
	return nil
}

// StartActivityLogger starts a loop that outputs endpoint performance every
// minute and client activity every 30 minutes
func (m *RelayService) StartActivityLogger(parent context.Context) {
	ticker1Minute := time.NewTicker(relayPerformanceInterval)
	ticker30Minutes := time.NewTicker(activityPerformanceInterval)
	defer ticker1Minute.Stop()
	defer ticker30Minutes.Stop()
	for {
		select {
		case <-parent.Done():
			return
		case <-ticker1Minute.C:
			m.logPerformance()
		case <-ticker30Minutes.C:
			m.logClientActivity()
		}
	}
}

func (m *RelayService) logPerformance() {
	endInterval := time.Now()
	record := m.performanceStats.CloseInterval(endInterval)
	if len(record.EndpointsStats) == 0 {
		return
	}
	record.NodeID = m.nodeID

	if m.stats == nil {
		m.log.WithField("performance", record).Info("endpoint performance within the last minute")
		return
	}

	if err := m.stats.PostWithTime(statsNamePerformance, endInterval, record); err != nil {
		m.log.WithError(err).Warn("could not post performance stats")
	}
}

type clientActivitySnapshot struct {
	LastCall int64          `json:"lastCall"`
	Senders  map[string]int `json:"senders"`
}

func (m *RelayService) logClientActivity() {
	current := m.clientActivity.Swap(hashmap.New[string, *clientActivity]())

	activity := make(map[string]clientActivitySnapshot, current.Len())
	current.Range(func(ip string, value *clientActivity) bool {
		senders := make(map[string]int, value.Senders.Len())
		value.Senders.Range(func(sender string, count int) bool {
			senders[sender] = count
			return true
		})
		activity[ip] = clientActivitySnapshot{LastCall: value.LastCall.Load(), Senders: senders}
		return true
	})

	if data, err := json.Marshal(activity); err != nil {
		m.log.WithError(err).Warn("could not json marshal client activity")
		m.log.WithField("client-activity", len(activity)).Info("clients within the last 30 minutes")
	} else {
		m.log.WithField("client-activity", string(data)).Info("clients within the last 30 minutes")
	}
}

// trackActivity counts relay requests per caller address and sender
func (m *RelayService) trackActivity(from ethcommon.Address, ip string) {
	if ip == "" {
		ip = "unknown"
	}
	now := time.Now().UnixMilli()
	activity, loaded := m.clientActivity.Load().GetOrInsert(ip, &clientActivity{
		LastCall: uberatomic.NewInt64(now),
		Senders:  hashmap.New[string, int](),
	})
	if loaded {
		activity.LastCall.Store(now)
	}

	sender := from.Hex()
	count, _ := activity.Senders.Get(sender)
	activity.Senders.Set(sender, count+1)
}
