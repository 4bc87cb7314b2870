package ports

import "github.com/gin-gonic/gin"

type StreamHTTPHandler interface {
	CreateStream(c *gin.Context)
	GetStream(c *gin.Context)
	UpdateStream(c *gin.Context)
	DeleteStream(c *gin.Context)
	ListLiveStreams(c *gin.Context)
	GetStreamStats(c *gin.Context)
}

type SignalingHTTPHandler interface {
	HandleWebSocket(c *gin.Context)
	HandlePollOpen(c *gin.Context)
	HandlePollReceive(c *gin.Context)
	HandlePollSend(c *gin.Context)
	HandlePollClose(c *gin.Context)
}

// RelayMetricsRecorder exports relay-side telemetry.
type RelayMetricsRecorder interface {
	ConnectionOpened(transport string)
	ConnectionClosed(transport string)
	MessageRelayed(eventType string)
	MessageRejected(reason string)
	RoomSize(streamID string, members int)
}
