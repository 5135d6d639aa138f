package main

import (
	"math/rand"
	"time"

	"github.com/frostbite2000/MSN-Messenger-Server/cmd"
)

func main() {
	rand.Seed(time.Now().UnixNano())

	cmd.Execute()
}
