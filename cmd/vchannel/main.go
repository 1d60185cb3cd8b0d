package main

import "github.com/opennetcam/vchannel/internal/app"

func main() {
	app.Main()
}
