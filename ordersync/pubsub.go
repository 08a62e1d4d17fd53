package ordersync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/models"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

func syncTopicName() string {
	if topic := strings.TrimSpace(os.Getenv("ORDER_SYNC_TOPIC")); topic != "" {
		return topic
	}
	return "order-sync-runs"
}

// PublishSyncRun hands a queued run to the worker via Pub/Sub. The run row
// already exists; the message only carries its id.
func PublishSyncRun(ctx context.Context, run *models.SyncRun) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, syncTopicName())
	if err != nil {
		return err
	}

	payload := SyncPubSubPayload{RunId: run.ID, Source: run.Source}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	result := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = result.Get(ctx)
	return err
}

// HandleSyncPush is the Pub/Sub push endpoint. Permanent problems (bad
// envelope, unknown run, already-finalized run) ack with 200 so the
// subscription never retries them; only infrastructure failures nack.
func HandleSyncPush(c *gin.Context) {
	logger := config.GetLogger()

	var envelope PubSubPushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		config.LogError(logger, moduleName, "HandleSyncPush", "bad envelope", nil, err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	var payload SyncPubSubPayload
	if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
		config.LogError(logger, moduleName, "HandleSyncPush", "bad payload", envelope.Message.ID, err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	ctx := utils.SetSystemActorInContext(c.Request.Context())

	run, err := models.GetSyncRun(ctx, payload.RunId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if run.Status != models.SyncRunStatusQueued {
		// Redelivery of a run that already executed.
		c.JSON(http.StatusOK, gin.H{"status": "already handled"})
		return
	}

	summary, err := ExecuteQueuedRun(ctx, run)
	if err != nil {
		if errors.Is(err, utils.ErrLockNotObtained) {
			c.JSON(http.StatusOK, gin.H{"status": "locked"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}
