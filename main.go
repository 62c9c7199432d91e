package main

import "github.com/ValentinKolb/dPref/cmd"

func main() {
	cmd.Execute()
}
