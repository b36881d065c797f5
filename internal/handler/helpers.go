package handler

import (
	"fmt"
	"strings"

	"github.com/noah-isme/chatsync/internal/models"
)

func mediaKind(raw string) (models.MessageType, error) {
	switch models.MessageType(strings.ToUpper(strings.TrimSpace(raw))) {
	case models.MessageTypeImage:
		return models.MessageTypeImage, nil
	case models.MessageTypeAudio:
		return models.MessageTypeAudio, nil
	default:
		return "", fmt.Errorf("kind must be IMAGE or AUDIO")
	}
}
