// The mantlekern command boots the kernel on a simulated platform fabric.
package main

func main() {
	Execute()
}
