package config

import "errors"

var ErrConfigIsNil = errors.New("config is nil")
var ErrInvalidPort = errors.New("invalid http port")
var ErrUnknownClock = errors.New("unknown clock")
var ErrUnknownTransport = errors.New("unknown transport")
var ErrMissingTopic = errors.New("missing topic")
var ErrMissingRedisAddr = errors.New("missing redis address")
var ErrUnknownCipher = errors.New("unknown cipher")
var ErrMissingPassphrase = errors.New("missing group passphrase")
var ErrMissingGroup = errors.New("missing group identity")
var ErrUnknownOpLog = errors.New("unknown oplog")
var ErrInvalidPublishAttempts = errors.New("publish attempts must be positive")
var ErrUnknownBackend = errors.New("unknown oplog backend")
