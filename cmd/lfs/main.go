// Command lfs makes, recovers and inspects log-structured file system
// images.
package main

func main() {
	Execute()
}
