package storage

import logx "robotloop/pkg/logx"

func nopLogger() logx.Logger { return logx.Nop() }
