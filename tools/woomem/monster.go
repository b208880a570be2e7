package main

import "fmt"
import "io/ioutil"
import "log"

import "github.com/prataprc/goparsec"
import "github.com/bnclabs/monster"
import mcommon "github.com/bnclabs/monster/common"

// makepayloads generate allocation payloads from a monster
// production grammar, or nil when no prodfile is supplied and the
// hammer falls back to random blocks.
func makepayloads() [][]byte {
	if options.prodfile == "" {
		return nil
	}
	text, err := ioutil.ReadFile(options.prodfile)
	if err != nil {
		log.Fatal(err)
	}
	root := compile(parsec.NewScanner(text)).(mcommon.Scope)
	seed, bagdir := uint64(options.seed), options.bagdir
	scope := monster.BuildContext(root, seed, bagdir, options.prodfile)
	nterms := scope["_nonterminals"].(mcommon.NTForms)

	payloads := make([][]byte, 0, 1024)
	for i := 0; i < cap(payloads); i++ {
		scope = scope.RebuildContext()
		val := evaluate("root", scope, nterms["s"])
		payloads = append(payloads, []byte(val.(string)))
	}
	fmt.Printf("generated %v payloads from %v\n", len(payloads), options.prodfile)
	return payloads
}

func compile(s parsec.Scanner) parsec.ParsecNode {
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("%v at %v", r, s.GetCursor())
		}
	}()
	root, _ := monster.Y(s)
	return root
}

func evaluate(
	name string, scope mcommon.Scope, forms []*mcommon.Form) interface{} {

	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("%v", r)
		}
	}()
	return monster.EvalForms(name, scope, forms)
}
