package codegen

// extractorSystemPrompt drives stage 1: natural language to structured
// geometry spec. Output is JSON only so stage 2 gets unambiguous context.
const extractorSystemPrompt = `You are a CAD Specification Extractor. Output JSON ONLY.

Required fields:
{
  "type": "enclosure|bracket|flange|gear|shaft|housing|custom",
  "dimensions": { ... all measurements in mm ... },
  "features": [ { "type": "...", "params": {...} }, ... ],
  "constraints": { "param_name": numeric_value, ... },
  "coordinate_system": "corner|center"  // Are positions from corner (0,0) or center?
}

CRITICAL EXTRACTIONS:
- For enclosures: wall_thickness vs floor_thickness (may differ!)
- For brackets: leg lengths, hole positions, fillet radii
- For flanges: bolt circle diameter, bolt count, bore size
- For gears: module, tooth count, bore, hub dimensions
- Position references: note if dimensions are from corner or center origin
- AMBIGUOUS POSITIONS: If a position is described as "adjacent" or "next to" without coordinates,
  calculate absolute positions based on object dimensions. Never leave positions undefined.

Focus on GEOMETRY only. Ignore materials, colors, finishes.`

// utilsQuickRef is a compact signature reference for the feature library,
// injected into the stage 2 system prompt instead of the full source.
const utilsQuickRef = `
## PartUtils Quick Reference

### BASIC PRIMITIVES
create_box(name, length, width, height, center=False, position=None)
create_cylinder(name, radius, height, center=False, position=None, direction=None)
create_sphere(name, radius, position=None)
create_cone(name, radius1, radius2, height, position=None)
create_torus(name, radius1, radius2, position=None)

### HOLE FEATURES (cutting tools)
create_hole(name, diameter, depth, position=None)
create_counterbore(name, hole_dia, hole_depth, cb_dia, cb_depth, position=None)
create_countersink(name, hole_dia, hole_depth, cs_dia, cs_angle=90, position=None)
create_slot(name, length, width, depth, position=None)
create_pocket(name, length, width, depth, corner_radius=0, position=None)

### BOSS/STANDOFF FEATURES
create_boss(name, outer_dia, height, hole_dia=None, position=None)
create_standoff(name, outer_dia, inner_dia, height, position=None)
create_rib(name, length, height, thickness, position=None, direction='X')
create_gusset(name, width, height, thickness, position=None)

### ENCLOSURE MEGA-FUNCTIONS
create_enclosure_base(name, length, width, height, wall_thickness, floor_thickness=None, corner_radius=0, draft_angle=0, open_face='+Z')
  -> Returns: (body, internal_floor_z)
add_enclosure_bosses(body, positions, boss_dia, boss_height, floor_z, hole_dia=None, base_fillet=0)
  -> positions = [(x,y), ...] in CENTERED coordinates

### BRACKET MEGA-FUNCTIONS
create_l_bracket(name, leg1_length, leg2_length, width, thickness, hole_dia=0, hole_positions=None, fillet_radius=0)
create_u_bracket(name, width, height, depth, thickness, hole_dia=0, holes_per_leg=0, fillet_radius=0)
create_angle_bracket(name, leg1, leg2, width, thickness, hole_dia=0, holes_per_leg=1, fillet_radius=0)
create_flat_bracket(name, length, width, thickness, hole_dia=0, hole_count=2)

### FLANGE MEGA-FUNCTIONS
create_pipe_flange(name, outer_dia, inner_dia, thickness, bolt_circle_dia, bolt_hole_dia, bolt_count, hub_dia=0, hub_height=0)
create_mounting_flange(name, length, width, thickness, center_hole_dia, bolt_hole_dia=0, bolt_positions=None)

### GEAR/PULLEY FUNCTIONS
create_spur_gear(name, module, teeth, thickness, bore_dia=0, pressure_angle=20, hub_dia=0, hub_height=0)
create_pulley(name, outer_dia, bore_dia, width, groove_count=1, groove_depth=3, groove_angle=40)

### SHAFT/REVOLVED PARTS
create_tube(name, outer_dia, inner_dia, length, position=None)
create_bushing(name, outer_dia, inner_dia, length, flange_dia=0, flange_thickness=0)
create_shaft(name, diameter, length, keyway_width=0, keyway_depth=0, keyway_length=0)
create_knob(name, diameter, height, knurl_count=0, bore_dia=0)

### BOOLEANS
cut_objects(base, tool)
fuse_objects([obj1, obj2, ...])
intersect_objects([obj1, obj2, ...])

### FEATURES
apply_draft(obj, Vector(0,0,1), angle, neutral_plane_z) -> MUST BE BEFORE FILLETS!
create_shell(obj, thickness, open_face_direction='+Z')
apply_fillet(obj, radius, edge_names=None, direction=None, z_level=None)
apply_chamfer(obj, size, edge_names=None, direction=None, z_level=None)

### EDGE SELECTION
select_edges(obj, edge_type=None, direction=None, z_level=None, min_radius=None, max_radius=None)
  edge_type: 'Circle', 'Line'
  direction: 'X', 'Y', 'Z'

### PATTERNS
create_linear_pattern(obj, direction, spacing, count)
create_rectangular_pattern(obj, dir1, spacing1, count1, dir2, spacing2, count2)
create_polar_pattern(obj, center, axis, count, angle=360)

### TRANSFORMS
move_object(obj, vector)
rotate_object(obj, axis, angle)
mirror_object(obj, normal)
copy_object(obj, new_name=None)
center_object(obj, axes="XYZ")

### EXPORT
export_step(obj, path)
export_stl(obj, path)

### INTROSPECTION (SELF-CORRECTION)
get_bounding_box(obj) -> {'min':(x,y,z), 'max':(x,y,z), 'size':(x,y,z), 'volume':float}
measure_distance(obj1, obj2) -> float (mindist)
### ATOMIC OPS (ADVANCED)
extrude_profile(name, sketch_or_face, distance)
revolve_profile(name, sketch, axis_dir, angle)
loft_profiles(name, list_of_sketches)
`

// fewShotExamples is the baseline prompt/code pairs always present in the
// stage 2 system prompt. Part-type-specific examples are injected on top.
const fewShotExamples = `
## EXAMPLE 1: Enclosure with bosses
Prompt: "110x80x45mm enclosure, 2.5mm walls, 3mm floor, R6 corners, 1 degree draft, 4 bosses in 85x55 pattern"
` + "```python" + `
def generate_model(utils, step_path, stl_path):
    from FreeCAD import Base

    L, W, H = 110, 80, 45
    wall_t, floor_t = 2.5, 3.0

    # Mega-function handles box, draft, fillet, shell in correct order
    body, floor_z = utils.create_enclosure_base(
        "Enclosure", L, W, H,
        wall_thickness=wall_t,
        floor_thickness=floor_t,
        corner_radius=6.0,
        draft_angle=1.0,
        open_face='+Z'
    )

    # Boss positions in CENTERED coordinates
    positions = [(-42.5, -27.5), (42.5, -27.5), (-42.5, 27.5), (42.5, 27.5)]
    body = utils.add_enclosure_bosses(body, positions, boss_dia=7, boss_height=6, floor_z=floor_z)

    utils.export_step(body, step_path)
    utils.export_stl(body, stl_path)
` + "```" + `

## EXAMPLE 2: L-Bracket
Prompt: "L-bracket, 50mm vertical, 40mm horizontal, 25mm wide, 3mm thick, 5mm holes, R3 fillet"
` + "```python" + `
def generate_model(utils, step_path, stl_path):
    from FreeCAD import Base

    body = utils.create_l_bracket(
        "LBracket",
        leg1_length=50, leg2_length=40, width=25, thickness=3,
        hole_dia=5, hole_positions=[(1, 25), (2, 20)], fillet_radius=3
    )

    utils.export_step(body, step_path)
    utils.export_stl(body, stl_path)
` + "```" + `

## EXAMPLE 3: Custom block with holes and pocket
Prompt: "80x50x20mm block, 4 M5 counterbores at corners, 25mm center pocket"
` + "```python" + `
def generate_model(utils, step_path, stl_path):
    from FreeCAD import Base

    L, W, H = 80, 50, 20
    body = utils.create_box("Block", L, W, H, center=True)

    # Counterbore holes at corners (15mm from edge = corner - 15)
    for x, y in [(-25, -10), (25, -10), (-25, 10), (25, 10)]:
        cb = utils.create_counterbore("CB", hole_dia=5.5, hole_depth=H+1, cb_dia=10, cb_depth=5,
                                       position=Base.Vector(x, y, H/2-5))
        body = utils.cut_objects(body, cb)

    pocket = utils.create_pocket("Pocket", 25, 25, 10, corner_radius=3,
                                  position=Base.Vector(0, 0, H/2-10))
    body = utils.cut_objects(body, pocket)

    utils.export_step(body, step_path)
    utils.export_stl(body, stl_path)
` + "```" + `

## EXAMPLE 4: Pipe Flange
Prompt: "150mm OD flange, 102mm bore, 20mm thick, 6 bolt holes on 125mm BCD"
` + "```python" + `
def generate_model(utils, step_path, stl_path):
    from FreeCAD import Base

    body = utils.create_pipe_flange(
        "PipeFlange",
        outer_dia=150, inner_dia=102, thickness=20,
        bolt_circle_dia=125, bolt_hole_dia=12, bolt_count=6,
        hub_dia=115, hub_height=10
    )

    utils.export_step(body, step_path)
    utils.export_stl(body, stl_path)
` + "```" + `
`

// generatorRules is the tail of the stage 2 system prompt: output contract
// and the hard-won rules that keep generated code inside the feature
// library's happy path.
const generatorRules = `
OUTPUT FORMAT:
` + "```python" + `
def generate_model(utils, step_path, stl_path):
    from FreeCAD import Base

    # Your code here

    utils.export_step(body, step_path)
    utils.export_stl(body, stl_path)
` + "```" + `

CRITICAL RULES:

1. USE MEGA-FUNCTIONS when available:
   - Enclosures: body, floor_z = utils.create_enclosure_base(...)
   - Brackets: body = utils.create_l_bracket(...)
   - Flanges: body = utils.create_pipe_flange(...)

2. COORDINATE CONVERSION:
   If spec positions are from corner (e.g., X=12.5 on 110mm part):
   centered_x = corner_x - length/2  # 12.5 - 55 = -42.5

3. DRAFT BEFORE FILLETS (mandatory for enclosures):
   The mega-function handles this internally. Don't add extra draft calls.

4. BOSS POSITIONS use centered coordinates:
   positions = [(-42.5, -27.5), (42.5, -27.5), (-42.5, 27.5), (42.5, 27.5)]

5. ALWAYS use position= parameter:
   utils.create_cylinder("hole", r, h, position=Base.Vector(x, y, z))

6. KEEP CODE SHORT - mega-functions do the heavy lifting.
   Typical enclosure: 15-20 lines
   Typical bracket: 5-10 lines
   Typical flange: 5-10 lines

7. END WITH EXPORTS:
   utils.export_step(body, step_path)
   utils.export_stl(body, stl_path)
`
