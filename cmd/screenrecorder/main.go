package main

import "github.com/bryanchriswhite/ScreenRecorder/cmd/screenrecorder/commands"

func main() {
	commands.Execute()
}
