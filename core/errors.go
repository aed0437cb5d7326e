package core

import (
	"errors"

	"github.com/lisuiheng/terrimatch-go/pkg/interfaces"
)

var (
	ErrUnsupportedProtocol = interfaces.ErrUnsupportedProtocol
	ErrConnectionFailed    = interfaces.ErrConnectionFailed
	ErrNotOpen             = interfaces.ErrNotOpen
	ErrClientClosed        = errors.New("client closed")
	ErrHandlerPanic        = errors.New("handler panicked")
)
