package vm

// Assembler walks an AST, maintaining the current bytecode fragment, the
// innermost lexical Scope, and a single stack-depth counter shared by
// every nested fragment (see scope.go's doc comment for why this counter
// is not reset at fragment boundaries the way Program.stackSize is).
type Assembler struct {
	prog  *Program
	scope *Scope
	depth *int32
}

// Assemble compiles a full statement list into a finished Program. Any
// variables still declared directly in the root scope when the program
// ends are popped so the builder's final stack size is zero (Testable
// Property 3 - scope balance), since top-level `let`s have no lexical
// block boundary of their own to trigger a teardown.
func Assemble(stmts []Stmt) (*Program, error) {
	depth := int32(0)
	a := &Assembler{prog: NewProgram(), scope: NewScope(), depth: &depth}
	if err := AssembleBlock(a, stmts); err != nil {
		return nil, err
	}
	n := int32(a.scope.NumVars())
	if err := a.scope.popAll(a.prog); err != nil {
		return nil, err
	}
	*a.depth -= n
	return a.prog, nil
}

func (a *Assembler) runChildBlock(frag *Program, body []Stmt) error {
	child := &Assembler{prog: frag, scope: a.scope.Nest(), depth: a.depth}
	if err := AssembleBlock(child, body); err != nil {
		return err
	}
	n := int32(child.scope.NumVars())
	if _, err := child.scope.Unnest(child.prog); err != nil {
		return err
	}
	*a.depth -= n
	return nil
}

func (a *Assembler) emitPush(word uint32) error {
	if err := a.prog.Push(word); err != nil {
		return err
	}
	*a.depth++
	return nil
}

func (a *Assembler) emitPeek(n int32) error {
	if err := a.prog.Peek(int(n)); err != nil {
		return err
	}
	*a.depth++
	return nil
}

func (a *Assembler) emitPop(n int32) error {
	if err := a.prog.Pop(int(n)); err != nil {
		return err
	}
	*a.depth -= n
	return nil
}

func (a *Assembler) emitSwap(n int32) error {
	return a.prog.Swap(int(n))
}

func (a *Assembler) emitUnary(op Unary) error {
	return a.prog.Unary(op)
}

func (a *Assembler) emitBinary(op Binary) error {
	if err := a.prog.Binary(op); err != nil {
		return err
	}
	*a.depth--
	return nil
}

func (a *Assembler) emitUser(op UserCommand) error {
	if err := a.prog.User(op); err != nil {
		return err
	}
	*a.depth += userStackDelta(op)
	return nil
}

func (a *Assembler) emitSpecial(op Special) error {
	return a.prog.Special(op)
}

// Expr is an expression node: something that can be reduced to a
// compile-time constant, or assembled into bytecode that leaves exactly
// one value on top of the stack.
type Expr interface {
	// ConstValue attempts to reduce the expression to a single word using
	// the same wrapping 32-bit semantics the runtime BINARY/UNARY
	// instructions use. NEG is deliberately excluded.
	ConstValue() (uint32, bool)
	assembleNode(a *Assembler) error
}

// assembleExpr is the single entry point every statement uses to emit an
// expression: it tries constant folding first and only falls back to the
// expression's own node-specific assembly when that fails.
func assembleExpr(a *Assembler, e Expr) error {
	if v, ok := e.ConstValue(); ok {
		return a.emitPush(v)
	}
	return e.assembleNode(a)
}

// Literal is an integer constant.
type Literal struct{ Value uint32 }

func NewLiteral(v uint32) *Literal { return &Literal{Value: v} }

func (l *Literal) ConstValue() (uint32, bool)        { return l.Value, true }
func (l *Literal) assembleNode(a *Assembler) error   { return a.emitPush(l.Value) }

// Load reads a declared variable's current value.
type Load struct{ Name string }

func NewLoad(name string) *Load { return &Load{Name: name} }

func (l *Load) ConstValue() (uint32, bool) { return 0, false }

func (l *Load) assembleNode(a *Assembler) error {
	idx, err := a.scope.IndexOf(l.Name, *a.depth)
	if err != nil {
		return err
	}
	return a.emitPeek(idx)
}

// UnaryExpr applies a unary operator to its operand.
type UnaryExpr struct {
	Op Unary
	X  Expr
}

func NewUnary(op Unary, x Expr) *UnaryExpr { return &UnaryExpr{Op: op, X: x} }

func (u *UnaryExpr) ConstValue() (uint32, bool) {
	if u.Op == UnaryNEG {
		return 0, false
	}
	xv, ok := u.X.ConstValue()
	if !ok {
		return 0, false
	}
	return u.Op.Apply(xv), true
}

func (u *UnaryExpr) assembleNode(a *Assembler) error {
	if err := assembleExpr(a, u.X); err != nil {
		return err
	}
	return a.emitUnary(u.Op)
}

// BinaryExpr applies a binary operator to its two operands.
type BinaryExpr struct {
	Op   Binary
	L, R Expr
}

func NewBinary(op Binary, l, r Expr) Expr {
	return &BinaryExpr{Op: op, L: l, R: r}
}

// ShiftLiteral builds a shift expression, rewriting a shift by a literal
// multiple of 8 into a chain of SHL8/SHR8 unary ops (spec.md §4.2) so it
// shrinks code and folds like everything else. The original toolchain
// this is grounded on only applied the rewrite at one of its two shift
// precedence tiers; here it is applied everywhere a shift-by-literal
// node is built, parser or assembler, removing that asymmetry.
func ShiftLiteral(op Binary, x Expr, amount uint32) Expr {
	if (op == BinarySHL || op == BinarySHR) && amount != 0 && amount%8 == 0 {
		u := UnarySHL8
		if op == BinarySHR {
			u = UnarySHR8
		}
		e := x
		for i := uint32(0); i < amount/8; i++ {
			e = NewUnary(u, e)
		}
		return e
	}
	return NewBinary(op, x, NewLiteral(amount))
}

func (b *BinaryExpr) ConstValue() (uint32, bool) {
	lv, lok := b.L.ConstValue()
	if !lok {
		return 0, false
	}
	rv, rok := b.R.ConstValue()
	if !rok {
		return 0, false
	}
	v, err := b.Op.Apply(lv, rv)
	if err != nil {
		// Division/modulo by zero: leave it for run time, where both the
		// constant and non-constant routes surface the same RuntimeError.
		return 0, false
	}
	return v, true
}

func (b *BinaryExpr) assembleNode(a *Assembler) error {
	if err := assembleExpr(a, b.L); err != nil {
		return err
	}
	if err := assembleExpr(a, b.R); err != nil {
		return err
	}
	return a.emitBinary(b.Op)
}

// GetLength, GetWallTime, GetPreciseTime are the zero-argument host reads.
type GetLength struct{}
type GetWallTime struct{}
type GetPreciseTime struct{}

func NewGetLength() Expr      { return &GetLength{} }
func NewGetWallTime() Expr    { return &GetWallTime{} }
func NewGetPreciseTime() Expr { return &GetPreciseTime{} }

func (*GetLength) ConstValue() (uint32, bool)      { return 0, false }
func (*GetLength) assembleNode(a *Assembler) error { return a.emitUser(UserGetLength) }

func (*GetWallTime) ConstValue() (uint32, bool)      { return 0, false }
func (*GetWallTime) assembleNode(a *Assembler) error { return a.emitUser(UserGetWallTime) }

func (*GetPreciseTime) ConstValue() (uint32, bool)      { return 0, false }
func (*GetPreciseTime) assembleNode(a *Assembler) error { return a.emitUser(UserGetPreciseTime) }

// RandomExpr is random_int(n) — never foldable, even when n is constant,
// since it depends on live RNG state.
type RandomExpr struct{ N Expr }

func NewRandom(n Expr) Expr { return &RandomExpr{N: n} }

func (r *RandomExpr) ConstValue() (uint32, bool) { return 0, false }

func (r *RandomExpr) assembleNode(a *Assembler) error {
	if err := assembleExpr(a, r.N); err != nil {
		return err
	}
	return a.emitUser(UserRandomInt)
}

// GetPixelExpr is get_pixel(i) — never foldable, it reads live strip state.
type GetPixelExpr struct{ Index Expr }

func NewGetPixel(i Expr) Expr { return &GetPixelExpr{Index: i} }

func (g *GetPixelExpr) ConstValue() (uint32, bool) { return 0, false }

func (g *GetPixelExpr) assembleNode(a *Assembler) error {
	if err := assembleExpr(a, g.Index); err != nil {
		return err
	}
	return a.emitUser(UserGetPixel)
}

// Clamp is the one intrinsic whose non-constant lowering needs branches.
type Clamp struct{ V, Lo, Hi Expr }

func NewClamp(v, lo, hi Expr) Expr { return &Clamp{V: v, Lo: lo, Hi: hi} }

func (c *Clamp) ConstValue() (uint32, bool) {
	v, ok := c.V.ConstValue()
	if !ok {
		return 0, false
	}
	lo, ok := c.Lo.ConstValue()
	if !ok {
		return 0, false
	}
	hi, ok := c.Hi.ConstValue()
	if !ok {
		return 0, false
	}
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v, true
}

// assembleNode lowers clamp(v, lo, hi) into two compare-and-replace
// stages, each built from a pair of if_not_zero/if_zero fragments that
// reference the same un-popped comparison result, exactly like the
// if/if-else statement lowering. Each arm intentionally leaves a net
// stack delta of -2 (it consumes the duplicated operands and the
// comparison result, leaving just the chosen value behind), which is
// what LeaveOnStack exists to declare to the builder.
func (c *Clamp) assembleNode(a *Assembler) error {
	if err := assembleExpr(a, c.V); err != nil {
		return err
	}
	if err := a.clampAgainst(c.Lo, true); err != nil {
		return err
	}
	return a.clampAgainst(c.Hi, false)
}

// clampAgainst assumes the current value is on top of the stack. It
// pushes bound, compares current > bound, and replaces current with
// bound on whichever side of that comparison is out of range:
// ensureGE=true keeps current when current > bound (bound is a lower
// limit), ensureGE=false replaces current with bound when current >
// bound (bound is an upper limit).
//
// The two branches below are emitted directly against their own fragment
// (frag.Pop/frag.Swap), never through the Assembler's a.emitPop/emitSwap
// helpers: those helpers also adjust the shared *a.depth counter, and
// both branches are always assembled even though exactly one runs at
// runtime. Routing their pops through the shared depth would double-count
// a delta that only actually happens once. The real, single-occurrence
// effect (-2, whichever arm fires) is applied once below, after both
// branches are built, via correctStackSize/*a.depth.
func (a *Assembler) clampAgainst(bound Expr, ensureGE bool) error {
	if err := assembleExpr(a, bound); err != nil { // [..., cur, bound]
		return err
	}
	if err := a.emitPeek(1); err != nil { // dup cur -> [..., cur, bound, cur']
		return err
	}
	if err := a.emitPeek(1); err != nil { // dup bound -> [..., cur, bound, cur', bound']
		return err
	}
	if err := a.emitBinary(BinaryGT); err != nil { // cur' > bound' -> [..., cur, bound, C]
		return err
	}

	keepCur := func(frag *Program) error {
		frag.LeaveOnStack(-2)
		return frag.Pop(2) // drop C, bound
	}
	keepBound := func(frag *Program) error {
		frag.LeaveOnStack(-2)
		if err := frag.Pop(1); err != nil { // drop C
			return err
		}
		if err := frag.Swap(1); err != nil { // bring cur to top
			return err
		}
		return frag.Pop(1) // drop cur, bound remains
	}

	if ensureGE {
		if err := a.prog.IfNotZero(keepCur); err != nil {
			return err
		}
		if err := a.prog.IfZero(keepBound); err != nil {
			return err
		}
	} else {
		if err := a.prog.IfNotZero(keepBound); err != nil {
			return err
		}
		if err := a.prog.IfZero(keepCur); err != nil {
			return err
		}
	}

	a.prog.correctStackSize(-2)
	*a.depth -= 2
	return nil
}

// packRGB builds the compile-time packing expression set_pixel and rgb()
// share: (r&0xFF) | ((g&0xFF)<<8) | ((b&0xFF)<<16).
func packRGB(r, g, b Expr) Expr {
	mask := func(x Expr) Expr { return NewBinary(BinaryAND, x, NewLiteral(0xFF)) }
	rr := mask(r)
	gg := ShiftLiteral(BinarySHL, mask(g), 8)
	bb := ShiftLiteral(BinarySHL, mask(b), 16)
	return NewBinary(BinaryOR, NewBinary(BinaryOR, rr, gg), bb)
}

// NewRGB lowers rgb(r, g, b) into the packing expression above.
func NewRGB(r, g, b Expr) Expr { return packRGB(r, g, b) }

// NewRed, NewGreen, NewBlue lower the color channel accessors.
func NewRed(x Expr) Expr { return NewBinary(BinaryAND, x, NewLiteral(0xFF)) }
func NewGreen(x Expr) Expr {
	return NewBinary(BinaryAND, ShiftLiteral(BinarySHR, x, 8), NewLiteral(0xFF))
}
func NewBlue(x Expr) Expr {
	return NewBinary(BinaryAND, ShiftLiteral(BinarySHR, x, 16), NewLiteral(0xFF))
}

// Stmt is a statement node.
type Stmt interface {
	Assemble(a *Assembler) error
}

// AssembleBlock assembles a sequence of statements in order.
func AssembleBlock(a *Assembler, stmts []Stmt) error {
	for _, s := range stmts {
		if err := s.Assemble(a); err != nil {
			return err
		}
	}
	return nil
}

// ExprStmt evaluates an expression purely for its side effects (none
// exist at the language level beyond host calls embedded in it) and
// discards the result.
type ExprStmt struct{ E Expr }

func NewExprStmt(e Expr) *ExprStmt { return &ExprStmt{E: e} }

func (s *ExprStmt) Assemble(a *Assembler) error {
	if err := assembleExpr(a, s.E); err != nil {
		return err
	}
	return a.emitPop(1)
}

// DumpStmt prints the current stack via the SPECIAL DUMP instruction.
type DumpStmt struct{}

func NewDumpStmt() *DumpStmt { return &DumpStmt{} }

func (s *DumpStmt) Assemble(a *Assembler) error { return a.emitSpecial(SpecialDUMP) }

// BlitStmt requests a frame yield.
type BlitStmt struct{}

func NewBlitStmt() *BlitStmt { return &BlitStmt{} }

func (s *BlitStmt) Assemble(a *Assembler) error { return a.emitUser(UserBlit) }

// SetPixelStmt writes one pixel. A is parsed but never assembled: the
// alpha argument is discarded at emit time, matching the original
// toolchain's color packing exactly (see SPEC_FULL.md §2.3).
type SetPixelStmt struct {
	Index, R, G, B, A Expr
}

func NewSetPixelStmt(index, r, g, b, alpha Expr) *SetPixelStmt {
	return &SetPixelStmt{Index: index, R: r, G: g, B: b, A: alpha}
}

func (s *SetPixelStmt) Assemble(a *Assembler) error {
	if err := assembleExpr(a, s.Index); err != nil {
		return err
	}
	if err := assembleExpr(a, packRGB(s.R, s.G, s.B)); err != nil {
		return err
	}
	if err := a.emitUser(UserSetPixel); err != nil {
		return err
	}
	return a.emitPop(1)
}

// LetStmt declares a new variable initialized to e's value.
type LetStmt struct {
	Name string
	E    Expr
}

func NewLetStmt(name string, e Expr) *LetStmt { return &LetStmt{Name: name, E: e} }

func (s *LetStmt) Assemble(a *Assembler) error {
	if err := assembleExpr(a, s.E); err != nil {
		return err
	}
	return a.scope.Define(s.Name, *a.depth)
}

// AssignStmt reassigns an already-declared variable.
type AssignStmt struct {
	Name string
	E    Expr
}

func NewAssignStmt(name string, e Expr) *AssignStmt { return &AssignStmt{Name: name, E: e} }

func (s *AssignStmt) Assemble(a *Assembler) error {
	if err := assembleExpr(a, s.E); err != nil {
		return err
	}
	idx, err := a.scope.IndexOf(s.Name, *a.depth)
	if err != nil {
		return err
	}
	if err := a.emitSwap(idx); err != nil {
		return err
	}
	return a.emitPop(1)
}

// IfStmt is a one-armed conditional.
type IfStmt struct {
	Cond Expr
	Then []Stmt
}

func NewIfStmt(cond Expr, then []Stmt) *IfStmt { return &IfStmt{Cond: cond, Then: then} }

func (s *IfStmt) Assemble(a *Assembler) error {
	if err := assembleExpr(a, s.Cond); err != nil {
		return err
	}
	if err := a.prog.IfNotZero(func(frag *Program) error {
		return a.runChildBlock(frag, s.Then)
	}); err != nil {
		return err
	}
	return a.emitPop(1)
}

// IfElseStmt is a two-armed conditional.
type IfElseStmt struct {
	Cond       Expr
	Then, Else []Stmt
}

func NewIfElseStmt(cond Expr, then, els []Stmt) *IfElseStmt {
	return &IfElseStmt{Cond: cond, Then: then, Else: els}
}

func (s *IfElseStmt) Assemble(a *Assembler) error {
	if err := assembleExpr(a, s.Cond); err != nil {
		return err
	}
	if err := a.prog.IfNotZero(func(frag *Program) error {
		return a.runChildBlock(frag, s.Then)
	}); err != nil {
		return err
	}
	if err := a.prog.IfZero(func(frag *Program) error {
		return a.runChildBlock(frag, s.Else)
	}); err != nil {
		return err
	}
	return a.emitPop(1)
}

// LoopStmt is an unconditional, unbounded loop.
type LoopStmt struct{ Body []Stmt }

func NewLoopStmt(body []Stmt) *LoopStmt { return &LoopStmt{Body: body} }

func (s *LoopStmt) Assemble(a *Assembler) error {
	return a.prog.RepeatForever(func(frag *Program) error {
		return a.runChildBlock(frag, s.Body)
	})
}

// ForStmt evaluates N once into a counter variable and repeats Body
// while it is non-zero, decrementing once per iteration.
type ForStmt struct {
	Var  string
	N    Expr
	Body []Stmt
}

func NewForStmt(v string, n Expr, body []Stmt) *ForStmt {
	return &ForStmt{Var: v, N: n, Body: body}
}

func (s *ForStmt) Assemble(a *Assembler) error {
	if err := assembleExpr(a, s.N); err != nil {
		return err
	}
	if err := a.scope.Define(s.Var, *a.depth); err != nil {
		return err
	}
	if err := a.prog.Repeat(func(frag *Program) error {
		return a.runChildBlock(frag, s.Body)
	}); err != nil {
		return err
	}
	a.scope.Undefine(s.Var)
	return a.emitPop(1)
}
