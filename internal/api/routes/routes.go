package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/talkpipe/talkpipe/internal/api/handlers"
)

type Deps struct {
	Conversation *handlers.ConversationHandler
	Speech       *handlers.SpeechHandler
	Generation   *handlers.GenerationHandler
	Health       *handlers.HealthHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.GET("/health", d.Health.Health)
	r.GET("/health/llm", d.Health.Component("llm"))
	r.GET("/health/stt", d.Health.Component("stt"))
	r.GET("/health/tts", d.Health.Component("tts"))
	r.GET("/health/ready", d.Health.Ready)
	r.GET("/health/live", d.Health.Live)

	v1 := r.Group("/v1")

	v1.POST("/conversation/dialogue", d.Conversation.Dialogue)
	v1.GET("/conversation/ws", d.Conversation.ConversationWS)

	v1.POST("/speech-to-text", d.Speech.SpeechToText)
	v1.GET("/speech-to-text/ws", d.Speech.SpeechToTextWS)
	v1.POST("/text-to-speech", d.Speech.TextToSpeech)
	v1.POST("/encode-reference", d.Speech.EncodeReference)
	v1.GET("/text-to-speech/ws", d.Speech.TextToSpeechWS)

	v1.POST("/generate", d.Generation.Generate)
	v1.POST("/generate_stream", d.Generation.GenerateStream)
	v1.GET("/generate_ws", d.Generation.GenerateWS)

	v1.GET("/models", d.Generation.Models)
	// model ids contain slashes, wildcard match
	v1.GET("/models/*id", d.Generation.Model)
}
