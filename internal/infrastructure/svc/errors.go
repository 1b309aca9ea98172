package svc

import "errors"

// ErrStorageInitFailed 错误：存储初始化失败
var ErrStorageInitFailed = errors.New("storage initialization failed")

// ErrNoPairs 错误：monitor 没有指定交易对
var ErrNoPairs = errors.New("no trading pairs given")
