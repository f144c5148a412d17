// Command foreman coordinates agents working through a system's roadmap.
package main

func main() {
	Execute()
}
