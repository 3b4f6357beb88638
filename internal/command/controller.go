package command

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"gardenlink/internal/logger"
)

// LogController records watering requests without driving hardware. The
// station uses it until a valve driver is attached.
type LogController struct {
	log *logrus.Entry

	mu        sync.Mutex
	manual    bool
	automatic bool
}

func NewLogController(log *logrus.Entry) *LogController {
	return &LogController{log: logger.OrDiscard(log)}
}

func (c *LogController) set(field *bool, v bool, action string) error {
	c.mu.Lock()
	*field = v
	manual, automatic := c.manual, c.automatic
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"manual":    manual,
		"automatic": automatic,
	}).Info(action)
	return nil
}

func (c *LogController) StartManualWatering(context.Context) error {
	return c.set(&c.manual, true, "Manual watering started")
}

func (c *LogController) StopManualWatering(context.Context) error {
	return c.set(&c.manual, false, "Manual watering stopped")
}

func (c *LogController) StartAutomaticIrrigation(context.Context) error {
	return c.set(&c.automatic, true, "Automatic irrigation started")
}

func (c *LogController) StopAutomaticIrrigation(context.Context) error {
	return c.set(&c.automatic, false, "Automatic irrigation stopped")
}

// Watering reports whether manual watering and automatic irrigation are on.
func (c *LogController) Watering() (manual, automatic bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manual, c.automatic
}
