package main

import "github.com/topolvm/snapback/cmd/snapback/app"

func main() {
	app.Execute()
}
