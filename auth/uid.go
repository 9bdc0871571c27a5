package auth

import "os"

func unixUID() int { return os.Getuid() }
