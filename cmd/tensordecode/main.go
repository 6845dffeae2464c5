// Command tensordecode decodes raw model output tensors with the decoders of go-tensordecode.
package main

func main() {
	Execute()
}
