// llama_demo runs a LLaMA model from a weights store to generate text given a prompt.
//
// Weights are loaded up-front within a byte budget (--budget), showing the progress, and the remaining ones are
// loaded when the first prompt needs them.
//
// It also uses github.com/charmbracelet libraries to make for a pretty command-line UI.
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagConvert != "" {
		Convert()
		return
	}
	model := BuildModel()
	switch {
	case *flagList:
		fmt.Print(model.Weights)
		return
	case *flagReport:
		Report(model)
		return
	case *flagPrompt != "":
		Generate(model)
		return
	}

	var p *tea.Program
	err := exceptions.TryCatch[error](func() { p = tea.NewProgram(newUIModel(model), tea.WithAltScreen()) })
	if err != nil {
		fmt.Fprintf(os.Stderr, "Alas, there's been an error: %+v", err)
		os.Exit(1)
	}
	final, err := p.Run()
	if err == nil {
		err = final.(*uiModel).err
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Alas, there's been an error: %+v", err)
		os.Exit(1)
	}
}
