package protocol

import "errors"

var (
	ErrExpired         = errors.New("protocol: envelope ttl expired")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	ErrInvalidTopic    = errors.New("protocol: invalid topic")
	ErrInvalidFact     = errors.New("protocol: invalid fact")
	ErrInvalidAd       = errors.New("protocol: invalid capability advertisement")
)
