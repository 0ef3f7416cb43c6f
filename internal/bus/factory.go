package bus

import (
	"fmt"
	"strings"

	"github.com/askben/askben/internal/config"
	"github.com/askben/askben/internal/pkg/errors"
	"github.com/askben/askben/internal/pkg/logger"
)

// NewBus creates a new Bus instance based on the configuration. When a
// journal path is set, every published event is also appended to it.
func NewBus(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	var (
		b   Bus
		err error
	)

	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		b = NewMemoryBus(log)

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeValidation, "kafka brokers not configured")
		}

		consumerGroup := cfg.KafkaGroup
		if consumerGroup == "" {
			consumerGroup = "askben"
		}

		b, err = NewKafkaBus(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: consumerGroup,
			ClientID:      "askben-bus",
		}, log)
		if err != nil {
			return nil, err
		}

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}

	if cfg.JournalPath == "" {
		return b, nil
	}
	j, err := OpenJournal(cfg.JournalPath)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return NewJournaledBus(b, j, log), nil
}
